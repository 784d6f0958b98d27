package main

import (
	"os"

	"github.com/spf13/cobra"
)

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/companion.yaml"
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		a       *app
	)
	load := func() *app { return a }

	rootCmd := &cobra.Command{
		Use:           "companion",
		Short:         "Sentiment-aware personal assistant",
		Long:          "companion runs a conversational agent that reads the user's mood, remembers the conversation and can search, keep todos and manage a schedule.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = wireApp(cmd.Context(), cfgPath)
			return err
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a != nil {
				a.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "config file (JSON or YAML)")

	rootCmd.AddCommand(
		newChatCmd(load),
		newAskCmd(load),
		newToolsCmd(load),
		newProvidersCmd(load),
	)
	return rootCmd
}
