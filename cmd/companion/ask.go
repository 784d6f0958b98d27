package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCmd(load func() *app) *cobra.Command {
	var (
		session string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send a single message and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := load()
			if session == "" {
				session = a.cfg.Tools.DefaultUser
			}
			res, err := a.engine.Run(cmd.Context(), strings.Join(args, " "), session)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return err
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session id (defaults to the configured user)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result including the thinking chain")
	return cmd
}
