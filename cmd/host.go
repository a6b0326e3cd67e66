package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/roomcode"
	"github.com/BioHazard786/Huddle/internal/ui"
)

// generatedCodeTries bounds how often a fresh code is drawn when the
// generated one is already taken.
const generatedCodeTries = 3

var hostMedia MediaOptions

var hostCmd = &cobra.Command{
	Use:     "host [CODE]",
	Aliases: []string{"h"},
	Short:   "Open a room and wait for others to join",
	Long: `Open a room on the rendezvous server. Without a code a random one is generated.

Examples:
  huddle host
  huddle host K7TQ2M --name alice
  huddle host --server wss://a.example/ws --server wss://b.example/ws`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var code string
		if len(args) == 1 {
			c, err := roomcode.Parse(args[0])
			if err != nil {
				return err
			}
			code = c
		}

		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		rc, err := NewRoomContext(cfg, hostMedia)
		if err != nil {
			return err
		}
		defer rc.Close()

		ctx := cmd.Context()
		tries := 1
		if code == "" {
			tries = generatedCodeTries
		}

		stopSpinner := ui.RunConnectionSpinner("Opening room...")
		for i := range tries {
			attempt := code
			if attempt == "" {
				if attempt, err = roomcode.Generate(); err != nil {
					break
				}
			}
			err = rc.Coordinator.HostRoom(ctx, attempt, cfg.Username)
			if err == nil || !errors.Is(err, apperr.ErrRoomCodeInUse) || code != "" {
				break
			}
			rc.logger.Debug("generated code taken", "code", attempt, "try", i+1)
		}
		stopSpinner()
		if err != nil {
			return err
		}

		return rc.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.Flags().BoolVar(&hostMedia.TestPattern, "test-pattern", false, "Enable /share with a synthetic screen")
	hostCmd.Flags().BoolVar(&hostMedia.TestTone, "test-tone", false, "Enable /mic with a synthetic tone")
}
