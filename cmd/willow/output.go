package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/saim20/willow/internal/config"
	"github.com/saim20/willow/internal/dbus"
)

// statusView is the printable form of the daemon status.
type statusView struct {
	Running     bool   `json:"running" yaml:"running"`
	Mode        string `json:"mode" yaml:"mode"`
	Buffer      string `json:"buffer" yaml:"buffer"`
	Engine      string `json:"engine" yaml:"engine"`
	ModelLoaded bool   `json:"model_loaded" yaml:"model_loaded"`
	Commands    int32  `json:"commands" yaml:"commands"`
}

func newStatusView(s dbus.Status) statusView {
	return statusView{
		Running:     s.IsRunning,
		Mode:        s.CurrentMode.String(),
		Buffer:      s.CurrentBuffer,
		Engine:      s.EngineState,
		ModelLoaded: s.WhisperLoaded,
		Commands:    s.CommandCount,
	}
}

// writeStructured writes v as JSON or YAML. It reports false for text
// output, which callers render themselves.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case config.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case config.FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return true, fmt.Errorf("failed to encode yaml: %w", err)
		}
		_, err = w.Write(data)
		return true, err
	}
	return false, nil
}

func writeStatus(w io.Writer, format string, s dbus.Status, bufferSize int) error {
	view := newStatusView(s)
	if ok, err := writeStructured(w, format, view); ok {
		return err
	}

	running := "no"
	if view.Running {
		running = "yes"
	}
	model := "not loaded"
	if view.ModelLoaded {
		model = "loaded"
	}
	fmt.Fprintf(w, "Listening: %s\n", running)
	fmt.Fprintf(w, "Mode:      %s\n", view.Mode)
	fmt.Fprintf(w, "Buffer:    %q\n", truncate(view.Buffer, bufferSize))
	fmt.Fprintf(w, "Engine:    %s (model %s)\n", view.Engine, model)
	fmt.Fprintf(w, "Commands:  %d\n", view.Commands)
	return nil
}

// writeDocument writes a JSON configuration document in the requested
// format. YAML output keeps the document's key order.
func writeDocument(w io.Writer, format string, doc []byte) error {
	switch format {
	case config.FormatYAML:
		data, err := documentToYAML(doc)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		_, err := w.Write(doc)
		if err == nil && (len(doc) == 0 || doc[len(doc)-1] != '\n') {
			_, err = io.WriteString(w, "\n")
		}
		return err
	}
}

func documentToYAML(doc []byte) ([]byte, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(doc, &node); err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	blockStyle(&node)
	out, err := yaml.Marshal(&node)
	if err != nil {
		return nil, fmt.Errorf("failed to encode yaml: %w", err)
	}
	return out, nil
}

// blockStyle clears the flow style the JSON parser leaves on collections.
func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}
	if n.Kind == yaml.ScalarNode && n.Style == yaml.DoubleQuotedStyle {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// truncate shortens s to limit runes. Zero means unlimited.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 3 {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-3]) + "..."
}

// parseValue reads a command-line value. JSON scalars and string arrays are
// decoded; anything else that parses as JSON is passed through as the raw
// document, and text that is not JSON is a plain string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch val := v.(type) {
	case bool, float64, string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return strings.TrimSpace(raw)
			}
			out = append(out, s)
		}
		return out
	case nil:
		return raw
	default:
		return strings.TrimSpace(raw)
	}
}
