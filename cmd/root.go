package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/ui"
	"github.com/BioHazard786/Huddle/internal/version"
)

var (
	flagConfig   string
	flagLogFile  string
	flagServers  []string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagName     string
)

var closeLog = func() error { return nil }

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Peer-to-peer rooms for chat, voice and screen sharing over WebRTC",
	Long: `Huddle connects everyone in a room directly to everyone else using WebRTC.
A small rendezvous server only introduces participants; chat, audio and screen
frames travel over direct peer connections.`,
	Version: version.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		closer, err := logging.Init(flagLogFile)
		if err != nil {
			return err
		}
		closeLog = closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_ = closeLog()
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default $XDG_CONFIG_HOME/huddle/config.yaml)")
	pf.StringVar(&flagLogFile, "log-file", "", "Write JSON logs to this file")
	pf.StringSliceVar(&flagServers, "server", nil, "Rendezvous WebSocket URL; repeat for failover")
	pf.StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	pf.StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	pf.StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	pf.StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	pf.BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
	pf.StringVarP(&flagName, "name", "n", "", "Display name shown to other participants")
}
