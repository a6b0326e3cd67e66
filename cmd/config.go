package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Huddle/internal/config"
	"github.com/BioHazard786/Huddle/internal/ui"
)

func configStore() (*config.Store, error) {
	path := flagConfig
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return config.NewStore(path), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change persisted settings",
}

var configGetCmd = &cobra.Command{
	Use:       "get <key>",
	Short:     "Print a persisted setting",
	Args:      cobra.ExactArgs(1),
	ValidArgs: config.Persisted,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := configStore()
		if err != nil {
			return err
		}
		value, err := store.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Persist a setting",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.Persisted,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := configStore()
		if err != nil {
			return err
		}
		if err := store.Set(args[0], args[1]); err != nil {
			return err
		}
		ui.PrintSuccessf("%s saved to %s", args[0], store.Path())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := configStore()
		if err != nil {
			return err
		}
		fmt.Println(store.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd, configSetCmd, configPathCmd)
}
