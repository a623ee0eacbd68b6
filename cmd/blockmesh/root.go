package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blockmesh",
	Short: "Peer-to-peer distributed block store",
	Long:  `blockmesh pools local disk capacity across a mesh of equal nodes. Files are split into fixed-size blocks and scattered with one replica per block on a distinct node; any node can list, read, or delete any file.`,
}
