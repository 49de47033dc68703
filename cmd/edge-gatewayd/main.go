// Command edge-gatewayd runs the edge gateway agent: it bridges a
// USB-serial ESP32 mesh co-processor to a cloud MQTT broker, with a
// durable outbound queue and command/ack correlation in between.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/fieldmesh/edge-gateway"
	"github.com/fieldmesh/edge-gateway/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "edge-gatewayd",
		Short: "USB-serial to MQTT edge gateway agent",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to an optional YAML config file")

	root.AddCommand(newRunCmd(&configFile))
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the gateway until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(*configFile)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the gateway version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func runGateway(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("construct gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	<-sigCh

	cancel()
	gw.Stop()
	return nil
}
