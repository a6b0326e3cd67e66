package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Huddle/internal/rendezvous"
	"github.com/BioHazard786/Huddle/internal/ui"
)

var flagServeAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rendezvous server",
	Long: `Run the rendezvous server that introduces room participants to each other.

Endpoints:
  /ws       WebSocket signaling
  /health   liveness check
  /metrics  Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ui.PrintInfof("Rendezvous server listening on %s", flagServeAddr)
		return rendezvous.ListenAndServe(cmd.Context(), flagServeAddr, slog.Default())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", ":8765", "Listen address")
}
