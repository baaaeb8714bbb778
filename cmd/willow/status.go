package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saim20/willow/internal/dbus"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon status",
	Long: `Show whether the daemon is listening, its mode, the last recognised
text and the state of the recognition engine.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Print the current text buffer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *dbus.Client) error {
			buf, err := c.GetBuffer(ctx)
			if err != nil {
				return err
			}
			if ok, err := writeStructured(cmd.OutOrStdout(), settings.Output.Format, map[string]string{"buffer": buf}); ok {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), buf)
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(bufferCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *dbus.Client) error {
		patch, err := c.GetStatus(ctx)
		if err != nil {
			return err
		}
		return writeStatus(cmd.OutOrStdout(), settings.Output.Format, patch.Apply(dbus.Status{}), settings.Output.BufferSize)
	})
}
