package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Huddle/internal/roomcode"
	"github.com/BioHazard786/Huddle/internal/ui"
)

var joinMedia MediaOptions

var joinCmd = &cobra.Command{
	Use:     "join [CODE|url]",
	Aliases: []string{"j"},
	Short:   "Join an existing room",
	Long: `Join a room by code or share link. Without an argument the last room is rejoined.

Examples:
  huddle join K7TQ2M
  huddle join http://127.0.0.1:8765/r/K7TQ2M
  huddle join --name bob`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}

		input := cfg.LastRoom
		if len(args) == 1 {
			input = args[0]
		}
		if input == "" {
			return errors.New("no room given and no previous room to rejoin")
		}
		code, err := roomcode.FromInput(input)
		if err != nil {
			return err
		}

		rc, err := NewRoomContext(cfg, joinMedia)
		if err != nil {
			return err
		}
		defer rc.Close()

		ctx := cmd.Context()
		stopSpinner := ui.RunConnectionSpinner("Joining room " + code + "...")
		err = rc.Coordinator.JoinRoom(ctx, code, cfg.Username)
		stopSpinner()
		if err != nil {
			return err
		}

		return rc.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
	joinCmd.Flags().BoolVar(&joinMedia.TestPattern, "test-pattern", false, "Enable /share with a synthetic screen")
	joinCmd.Flags().BoolVar(&joinMedia.TestTone, "test-tone", false, "Enable /mic with a synthetic tone")
}
