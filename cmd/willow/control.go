package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saim20/willow/internal/dbus"
	"github.com/saim20/willow/internal/session"
)

var modeCmd = &cobra.Command{
	Use:       "mode [normal|command|typing]",
	Short:     "Show or change the listening mode",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"normal", "command", "typing"},
	RunE:      runMode,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start listening",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, (*session.Session).StartListening)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop listening",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, (*session.Session).StopListening)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart listening",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, (*session.Session).Restart)
	},
}

func init() {
	rootCmd.AddCommand(modeCmd, startCmd, stopCmd, restartCmd)
}

func runMode(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return withClient(cmd, func(ctx context.Context, c *dbus.Client) error {
			mode, err := c.GetMode(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), mode)
			return err
		})
	}

	mode, err := dbus.ParseMode(args[0])
	if err != nil {
		return err
	}
	return withSession(cmd, func(s *session.Session) *session.Future {
		return s.SetMode(mode)
	})
}
