// Package device maintains the MAC-address-to-asset-id directory for
// devices behind the mesh co-processor, and builds the pairing
// messages the orchestrator sends to enroll a new device.
package device

import (
	"sync"
	"time"

	"github.com/fieldmesh/edge-gateway/internal/frame"
	"github.com/fieldmesh/edge-gateway/internal/logging"
)

// Info describes one known mesh device.
type Info struct {
	AssetID  string
	MAC      string
	RSSIDbm  *int
	LastSeen time.Time
	Firmware string
}

// Directory is the mutex-guarded MAC->Info map.
type Directory struct {
	mu      sync.Mutex
	devices map[string]*Info
	logger  *logging.Logger
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{
		devices: make(map[string]*Info),
		logger:  logging.Default().With("device"),
	}
}

// Register adds a new device or, if mac already maps to assetID,
// updates its firmware field in place.
func (d *Directory) Register(mac, assetID, firmware string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.devices[mac]; ok && existing.AssetID == assetID {
		if firmware != "" {
			existing.Firmware = firmware
		}
		d.logger.Debug("device already registered", "mac", mac, "asset_id", assetID)
		return
	}

	d.devices[mac] = &Info{AssetID: assetID, MAC: mac, LastSeen: time.Now().UTC(), Firmware: firmware}
	d.logger.Info("device registered", "mac", mac, "asset_id", assetID)
}

// Touch updates last_seen, RSSI, and (if non-empty) firmware for a
// known device. Unknown MACs are logged and otherwise ignored.
func (d *Directory) Touch(mac string, rssiDbm *int, firmware string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.devices[mac]
	if !ok {
		d.logger.Warn("unknown device mac", "mac", mac)
		return
	}
	info.LastSeen = time.Now().UTC()
	info.RSSIDbm = rssiDbm
	if firmware != "" {
		info.Firmware = firmware
	}
}

// ResolveAsset returns the asset id registered for mac, if any.
func (d *Directory) ResolveAsset(mac string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.devices[mac]
	if !ok {
		return "", false
	}
	return info.AssetID, true
}

// Snapshot returns a point-in-time copy of every known device.
func (d *Directory) Snapshot() []Info {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Info, 0, len(d.devices))
	for _, info := range d.devices {
		out = append(out, *info)
	}
	return out
}

// BuildPairBegin constructs the outbound message that opens a pairing
// window on the co-processor for durationS seconds.
func BuildPairBegin(durationS int) frame.Message {
	return frame.Message{
		"type":       "pair_begin",
		"duration_s": durationS,
	}
}

// BuildPairEnd constructs the outbound message that closes the pairing
// window.
func BuildPairEnd() frame.Message {
	return frame.Message{"type": "pair_end"}
}
