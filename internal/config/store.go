package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// ApplyHook is invoked after every successful apply, in apply order, with the
// resulting diff and configuration. It runs with the store locked and must not
// call back into the store.
type ApplyHook func(diff Diff, cfg *Configuration)

// Store is the authoritative daemon configuration with an on-disk mirror.
type Store struct {
	mu          sync.Mutex
	path        string
	current     *Configuration
	lastWritten []byte
	onApply     ApplyHook
	logger      *slog.Logger
}

// Open loads the store from path. A missing file is created with defaults.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.current = Default()
		if err := s.persist(s.current.raw); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		logger.Info("created default config", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	s.current = cfg
	s.lastWritten = cfg.Bytes()
	logger.Debug("loaded config", "path", path, "keys", len(cfg.Names()))
	return s, nil
}

// NewMemoryStore returns a store that is never persisted. Used by tests and
// by the daemon when no config path is available.
func NewMemoryStore(initial *Configuration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if initial == nil {
		initial = Default()
	}
	return &Store{current: initial, logger: logger}
}

// Path returns the backing file path, empty for memory stores.
func (s *Store) Path() string {
	return s.path
}

// SetApplyHook installs the hook called after each successful apply.
func (s *Store) SetApplyHook(hook ApplyHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApply = hook
}

// Get returns the current configuration.
func (s *Store) Get() *Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ApplyUpdate merges update into the current configuration. Keys present in
// update replace the stored value only when the value differs; absent keys
// keep their value. Entries that are not rewritten keep their exact bytes.
// On any error the store is left unchanged.
func (s *Store) ApplyUpdate(update *Configuration) (Diff, error) {
	if update == nil {
		return Diff{}, &ValidationError{Err: errors.New("nil configuration")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current
	doc := old.Bytes()
	oldDoc := gjson.ParseBytes(old.raw)

	var err error
	gjson.ParseBytes(update.raw).ForEach(func(k, v gjson.Result) bool {
		path := escapeKey(k.String())
		if sameValue(oldDoc.Get(path), v) {
			return true
		}
		doc, err = sjson.SetRawBytes(doc, path, pretty.Ugly([]byte(v.Raw)))
		return err == nil
	})
	if err != nil {
		return Diff{}, fmt.Errorf("failed to merge config: %w", err)
	}

	next, err := Parse(doc)
	if err != nil {
		return Diff{}, err
	}
	diff := Compare(old, next)
	if !diff.Empty() {
		if err := s.persist(next.raw); err != nil {
			return Diff{}, err
		}
		s.current = next
		s.logger.Info("config updated", "keys", diff.All(), "reload", diff.NeedsReload())
	}
	if s.onApply != nil {
		s.onApply(diff, s.current)
	}
	return diff, nil
}

// SetValue updates a single key. Recognized keys are type-checked; keys with
// the metadata prefix are stored verbatim; any other key is rejected with
// UnknownKeyError.
func (s *Store) SetValue(key string, value any) (Diff, error) {
	var raw []byte
	var err error

	if IsMetadata(key) {
		raw, err = json.Marshal(value)
		if err != nil {
			return Diff{}, &ValidationError{Key: key, Got: fmt.Sprintf("%T", value), Err: err}
		}
	} else {
		k, ok := Lookup(key)
		if !ok {
			return Diff{}, &UnknownKeyError{Key: key}
		}
		raw, err = encodeValue(k, value)
		if err != nil {
			return Diff{}, err
		}
	}

	doc, err := sjson.SetRawBytes([]byte(`{}`), escapeKey(key), raw)
	if err != nil {
		return Diff{}, fmt.Errorf("failed to build update: %w", err)
	}
	update, err := Parse(doc)
	if err != nil {
		return Diff{}, err
	}
	return s.ApplyUpdate(update)
}

// Reload re-reads the backing file after an external edit. The file content
// replaces the stored configuration. Content identical to what the store last
// wrote is ignored and yields an empty diff without invoking the hook.
func (s *Store) Reload() (Diff, error) {
	if s.path == "" {
		return Diff{}, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Diff{}, fmt.Errorf("failed to read config file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(data, s.lastWritten) {
		return Diff{}, nil
	}
	next, err := Parse(data)
	if err != nil {
		return Diff{}, err
	}
	diff := Compare(s.current, next)
	s.current = next
	s.lastWritten = next.Bytes()
	s.logger.Info("config reloaded from disk", "keys", diff.All(), "reload", diff.NeedsReload())
	if s.onApply != nil {
		s.onApply(diff, s.current)
	}
	return diff, nil
}

func (s *Store) persist(data []byte) error {
	if s.path == "" {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write atomically via temp file
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	s.lastWritten = append(s.lastWritten[:0], data...)
	return nil
}

// encodeValue converts a bus or CLI value into the JSON text stored for key.
func encodeValue(k Key, value any) ([]byte, error) {
	bad := &ValidationError{Key: k.Name, Want: k.Kind, Got: fmt.Sprintf("%T", value)}

	var v any
	switch k.Kind {
	case KindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, bad
		}
		v = b
	case KindDouble:
		f, ok := toFloat(value)
		if !ok {
			return nil, bad
		}
		v = f
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, bad
		}
		v = s
	case KindStringList:
		list, ok := toStrings(value)
		if !ok {
			return nil, bad
		}
		v = list
	case KindCommands:
		switch c := value.(type) {
		case string:
			// Commands travel over the bus as a JSON array in a string.
			if !gjson.Valid(c) {
				bad.Err = errors.New("malformed JSON")
				return nil, bad
			}
			v = json.RawMessage(c)
		case []Command, []any:
			v = c
		default:
			return nil, bad
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		bad.Err = err
		return nil, bad
	}
	if err := checkKind(k, gjson.ParseBytes(raw)); err != nil {
		return nil, err
	}
	return raw, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toStrings(v any) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		if l == nil {
			return []string{}, true
		}
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
