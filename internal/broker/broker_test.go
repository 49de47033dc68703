package broker

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeTestCert writes a self-signed certificate and its key into a
// temp dir, doubling as both the CA bundle and the client pair.
func writeTestCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "edge-gateway-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	return certPath, keyPath
}

func TestNewClientStartsDisconnected(t *testing.T) {
	c, err := New(Config{
		URI:      "tcp://127.0.0.1:1",
		Username: "edge",
		Password: "secret",
		QoS:      1,
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	require.False(t, c.IsConnected())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 30, cfg.KeepaliveSec)
	require.True(t, cfg.UseTLS)
	require.Equal(t, byte(1), cfg.QoS)
	require.Equal(t, 5*time.Second, cfg.ReconnectDelay)
}

func TestNewConfiguresTLSFromConfig(t *testing.T) {
	certPath, keyPath := writeTestCert(t)

	c, err := New(Config{
		URI:      "ssl://broker.example.com:8883",
		UseTLS:   true,
		CAFile:   certPath,
		CertFile: certPath,
		KeyFile:  keyPath,
	})
	require.NoError(t, err)

	reader := c.client.OptionsReader()
	tlsCfg := reader.TLSConfig()
	require.NotNil(t, tlsCfg, "UseTLS must install a TLS config on the client options")
	require.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
	require.NotNil(t, tlsCfg.RootCAs, "the configured CA bundle must be loaded")
	require.Len(t, tlsCfg.Certificates, 1, "the client key pair must be loaded for mTLS")
}

func TestNewWithoutTLSLeavesConfigUnset(t *testing.T) {
	c, err := New(Config{URI: "tcp://127.0.0.1:1883", UseTLS: false})
	require.NoError(t, err)

	reader := c.client.OptionsReader()
	require.Nil(t, reader.TLSConfig())
}

func TestNewTLSWithSystemRootsOnly(t *testing.T) {
	c, err := New(Config{URI: "ssl://broker.example.com:8883", UseTLS: true})
	require.NoError(t, err)

	reader := c.client.OptionsReader()
	tlsCfg := reader.TLSConfig()
	require.NotNil(t, tlsCfg)
	require.Nil(t, tlsCfg.RootCAs, "no CA file configured means the system pool")
	require.Empty(t, tlsCfg.Certificates)
}

func TestNewRejectsUnreadableCAFile(t *testing.T) {
	_, err := New(Config{
		URI:    "ssl://broker.example.com:8883",
		UseTLS: true,
		CAFile: filepath.Join(t.TempDir(), "missing-ca.pem"),
	})
	require.Error(t, err)
}

func TestPublishTimesOutWhenNeverConnected(t *testing.T) {
	c, err := New(Config{
		URI:             "tcp://127.0.0.1:1",
		PublishDeadline: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	err = c.Publish("gateway/telemetry", []byte("{}"), 1)
	require.Error(t, err)
}
