package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/saim20/willow/internal/config"
	"github.com/saim20/willow/internal/dbus"
	"github.com/saim20/willow/internal/session"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and change the daemon configuration",
	Long: `Read and change the daemon's live configuration.

Changes apply immediately. Changing whisper_model or gpu_acceleration
reloads the recognizer in the background; watch for ConfigChanged or
Error events to see the outcome.`,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the configuration or a single key",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a single configuration key",
	Long: `Set a single configuration key.

The value is read as JSON when it parses as JSON, otherwise as a plain
string:

  willow config set hotword computer
  willow config set gpu_acceleration true
  willow config set command_threshold 75
  willow config set typing_exit_phrases '["stop typing","done"]'
  willow config set commands '[{"name":"Browser","command":"firefox","phrases":["open browser"]}]'`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configApplyCmd = &cobra.Command{
	Use:   "apply <file|->",
	Short: "Merge a JSON document into the configuration",
	Long: `Merge a JSON document into the configuration. Keys present in the
document replace the current values; absent keys are kept. Use - to read
the document from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigApply,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the recognised configuration keys",
	Args:  cobra.NoArgs,
	RunE:  runConfigKeys,
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd, configApplyCmd, configKeysCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *dbus.Client) error {
		doc, err := c.GetConfig(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			return writeDocument(out, settings.Output.Format, []byte(doc))
		}

		cfg, err := config.Parse([]byte(doc))
		if err != nil {
			return err
		}
		return writeKey(out, settings.Output.Format, cfg, args[0])
	})
}

func writeKey(w io.Writer, format string, cfg *config.Configuration, key string) error {
	value, err := cfg.Value(key)
	if err != nil {
		// Metadata and unrecognised entries are printed verbatim.
		raw, ok := cfg.Raw(key)
		if !ok {
			return err
		}
		return writeDocument(w, format, []byte(raw))
	}

	if ok, err := writeStructured(w, format, map[string]any{key: value}); ok {
		return err
	}
	if s, ok := value.(string); ok {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], parseValue(args[1])
	logger.Debug("setting config value", "key", key, "value", value)
	return withSession(cmd, func(s *session.Session) *session.Future {
		return s.PushConfig(session.ConfigChange{Key: key, Value: value})
	})
}

func runConfigApply(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	// Reject malformed documents before they reach the daemon.
	if _, err := config.Parse(data); err != nil {
		return err
	}

	return withClient(cmd, func(ctx context.Context, c *dbus.Client) error {
		return c.UpdateConfig(ctx, string(data))
	})
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	type keyView struct {
		Name        string `json:"name" yaml:"name"`
		Type        string `json:"type" yaml:"type"`
		Reload      bool   `json:"reload" yaml:"reload"`
		Default     any    `json:"default" yaml:"default"`
		Description string `json:"description" yaml:"description"`
	}
	var views []keyView
	for _, k := range config.Keys() {
		views = append(views, keyView{
			Name:        k.Name,
			Type:        k.Kind.String(),
			Reload:      k.ReloadTriggering,
			Default:     k.Default,
			Description: k.Description,
		})
	}

	out := cmd.OutOrStdout()
	if ok, err := writeStructured(out, settings.Output.Format, views); ok {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTYPE\tRELOAD\tDESCRIPTION")
	for _, v := range views {
		reload := ""
		if v.Reload {
			reload = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.Type, reload, v.Description)
	}
	return tw.Flush()
}
