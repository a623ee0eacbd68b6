package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	logservice "github.com/blockmesh/blockmesh/internal/log_service"
	"github.com/blockmesh/blockmesh/internal/log_service/zaplog"
	"github.com/blockmesh/blockmesh/servers/peer"
)

var (
	startDataDir  string
	startTCPPort  int
	startUDPPort  int
	startCapacity int64
	startStorage  string
	startSeeds    string
	startLogLevel string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a blockmesh node",
	Long:  `Starts a node: opens the reliable and heartbeat channels, rehydrates the metadata snapshot, and joins the group through the seed peers if a seed file is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		console := zaplog.NewZapLogService("blockmesh")
		defer console.Sync()

		srv, err := peer.Build(peer.Options{
			DataDir:       startDataDir,
			TCPPort:       startTCPPort,
			UDPPort:       startUDPPort,
			CapacityBytes: startCapacity,
			StorageDir:    startStorage,
			SeedFile:      startSeeds,
			LogLevel:      startLogLevel,
		})
		if err != nil {
			console.Error(logservice.LogEvent{
				Message:  "Failed to build node",
				Metadata: map[string]any{"error": err.Error()},
			})
			os.Exit(1)
		}

		console.Info(logservice.LogEvent{
			Message:  "Node running",
			Metadata: map[string]any{"dataDir": startDataDir},
		})
		if err := srv.Run(); err != nil {
			log.Fatalf("node failed: %v", err)
		}
	},
}

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	startCmd.Flags().StringVar(&startDataDir, "data-dir", filepath.Join(home, ".blockmesh"), "Directory for config, logs, and the metadata snapshot")
	startCmd.Flags().IntVar(&startTCPPort, "tcp-port", 0, "Reliable channel port (0 = configured value, default 8888)")
	startCmd.Flags().IntVar(&startUDPPort, "udp-port", 0, "Heartbeat channel port (0 = configured value, default 8889)")
	startCmd.Flags().Int64Var(&startCapacity, "capacity", 0, "Declared capacity in bytes (0 = configured value)")
	startCmd.Flags().StringVar(&startStorage, "storage-dir", "", "Shared block directory (empty = configured value)")
	startCmd.Flags().StringVar(&startSeeds, "seeds", "", "YAML file listing peer addresses to join through")
	startCmd.Flags().StringVar(&startLogLevel, "log-level", logservice.InfoLevel, "Minimum log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(startCmd)
}
