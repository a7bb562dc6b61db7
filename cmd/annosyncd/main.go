// annosyncd is the coordination daemon: it owns the per-resource edit locks,
// the real-time sync channel, and the background persistence of working
// copies to durable storage.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "annosyncd",
	Short: "Annotation session, locking, and sync coordinator",
	Long: `annosyncd coordinates concurrent access to per-resource annotation
databases. It grants single-writer edit locks, relays change batches over
WebSocket sessions, and persists working copies to durable object storage in
the background.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: ./annosync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
