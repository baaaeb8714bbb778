package config

import (
	"sort"
	"strings"
)

// Kind is the declared value type of a configuration key.
type Kind int

const (
	// KindBool is a boolean value (D-Bus "b").
	KindBool Kind = iota
	// KindDouble is a floating point value (D-Bus "d").
	KindDouble
	// KindString is a string value (D-Bus "s").
	KindString
	// KindStringList is a list of strings (D-Bus "as").
	KindStringList
	// KindCommands is a list of voice commands. Over the bus it travels as a
	// JSON array encoded in a string.
	KindCommands
)

// String returns the schema name of the kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "boolean"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindStringList:
		return "string-list"
	case KindCommands:
		return "commands"
	default:
		return "unknown"
	}
}

// Key describes a single recognized configuration key.
type Key struct {
	Name string
	Kind Kind
	// ReloadTriggering marks keys whose change requires reinitializing the
	// recognition engine.
	ReloadTriggering bool
	Default          any
	Description      string
}

// Key names.
const (
	KeyHotword            = "hotword"
	KeyCommandThreshold   = "command_threshold"
	KeyProcessingInterval = "processing_interval"
	KeyWhisperModel       = "whisper_model"
	KeyGPUAcceleration    = "gpu_acceleration"
	KeyTypingExitPhrases  = "typing_exit_phrases"
	KeyCommands           = "commands"
)

// MetadataPrefix marks comment/metadata entries that are stored verbatim.
const MetadataPrefix = "_"

// Command maps spoken phrases to a shell command.
type Command struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Phrases []string `json:"phrases"`
}

var registry = map[string]Key{
	KeyHotword: {
		Name:        KeyHotword,
		Kind:        KindString,
		Default:     "hey",
		Description: "Word that switches normal mode into command mode",
	},
	KeyCommandThreshold: {
		Name:        KeyCommandThreshold,
		Kind:        KindDouble,
		Default:     80.0,
		Description: "Minimum match confidence; values above 1 are percentages",
	},
	KeyProcessingInterval: {
		Name:        KeyProcessingInterval,
		Kind:        KindDouble,
		Default:     1.5,
		Description: "Seconds between processing passes",
	},
	KeyWhisperModel: {
		Name:             KeyWhisperModel,
		Kind:             KindString,
		ReloadTriggering: true,
		Default:          "ggml-tiny.en.bin",
		Description:      "Model file loaded by the recognition engine",
	},
	KeyGPUAcceleration: {
		Name:             KeyGPUAcceleration,
		Kind:             KindBool,
		ReloadTriggering: true,
		Default:          false,
		Description:      "Run the recognition engine on the GPU",
	},
	KeyTypingExitPhrases: {
		Name:        KeyTypingExitPhrases,
		Kind:        KindStringList,
		Default:     []string{"stop typing", "exit typing", "normal mode", "go to normal mode"},
		Description: "Phrases that leave typing mode",
	},
	KeyCommands: {
		Name:        KeyCommands,
		Kind:        KindCommands,
		Default:     []Command{},
		Description: "Voice commands available in command mode",
	},
}

// Lookup returns the key definition for name.
func Lookup(name string) (Key, bool) {
	k, ok := registry[name]
	return k, ok
}

// Keys returns all recognized keys sorted by name.
func Keys() []Key {
	keys := make([]Key, 0, len(registry))
	for _, k := range registry {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// ReloadKeys returns the names of all reload-triggering keys.
func ReloadKeys() []string {
	var names []string
	for _, k := range Keys() {
		if k.ReloadTriggering {
			names = append(names, k.Name)
		}
	}
	return names
}

// IsMetadata reports whether name is a comment/metadata entry.
func IsMetadata(name string) bool {
	return strings.HasPrefix(name, MetadataPrefix)
}
