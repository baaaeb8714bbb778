package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// Configuration is an immutable snapshot of the daemon configuration
// document. Typed keys are read from the raw JSON on demand so that every
// entry the daemon does not rewrite keeps its exact bytes.
type Configuration struct {
	raw []byte
}

// Parse validates data as a configuration document. The document must be a
// JSON object and every recognized key must carry a value of its declared
// kind. Metadata and unrecognized keys are accepted as-is.
func Parse(data []byte) (*Configuration, error) {
	if !gjson.ValidBytes(data) {
		return nil, &ValidationError{Err: errors.New("malformed JSON")}
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, &ValidationError{Err: errors.New("document is not a JSON object")}
	}

	var verr error
	doc.ForEach(func(k, v gjson.Result) bool {
		key, ok := Lookup(k.String())
		if !ok {
			return true
		}
		if err := checkKind(key, v); err != nil {
			verr = err
			return false
		}
		return true
	})
	if verr != nil {
		return nil, verr
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	return &Configuration{raw: raw}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level defaults.
func MustParse(data string) *Configuration {
	c, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the configuration written when no file exists yet.
func Default() *Configuration {
	doc := []byte(`{"_comment":"Willow voice assistant configuration. Keys starting with _ are ignored."}`)
	for _, k := range Keys() {
		raw, err := json.Marshal(k.Default)
		if err != nil {
			panic(fmt.Sprintf("config: default for %s: %v", k.Name, err))
		}
		doc, err = sjson.SetRawBytes(doc, escapeKey(k.Name), raw)
		if err != nil {
			panic(fmt.Sprintf("config: default for %s: %v", k.Name, err))
		}
	}
	return &Configuration{raw: pretty.Pretty(doc)}
}

// Bytes returns a copy of the serialized document.
func (c *Configuration) Bytes() []byte {
	out := make([]byte, len(c.raw))
	copy(out, c.raw)
	return out
}

// String returns the serialized document.
func (c *Configuration) String() string {
	return string(c.raw)
}

// Names returns the top-level keys of the document in document order.
func (c *Configuration) Names() []string {
	var names []string
	gjson.ParseBytes(c.raw).ForEach(func(k, _ gjson.Result) bool {
		names = append(names, k.String())
		return true
	})
	return names
}

// Raw returns the raw JSON text stored under key.
func (c *Configuration) Raw(key string) (string, bool) {
	r := c.get(key)
	if !r.Exists() {
		return "", false
	}
	return r.Raw, true
}

// Metadata returns the raw JSON of every metadata entry.
func (c *Configuration) Metadata() map[string]string {
	meta := make(map[string]string)
	gjson.ParseBytes(c.raw).ForEach(func(k, v gjson.Result) bool {
		if IsMetadata(k.String()) {
			meta[k.String()] = v.Raw
		}
		return true
	})
	return meta
}

// Value returns the typed value of a recognized key, falling back to the
// key's default when the document does not set it.
func (c *Configuration) Value(name string) (any, error) {
	key, ok := Lookup(name)
	if !ok {
		return nil, &UnknownKeyError{Key: name}
	}
	switch key.Kind {
	case KindBool:
		return c.Bool(name), nil
	case KindDouble:
		return c.Float(name), nil
	case KindString:
		return c.Str(name), nil
	case KindStringList:
		return c.Strings(name), nil
	case KindCommands:
		return c.Commands(), nil
	}
	return nil, &UnknownKeyError{Key: name}
}

// Bool returns a boolean key or its default.
func (c *Configuration) Bool(name string) bool {
	if r := c.get(name); r.IsBool() {
		return r.Bool()
	}
	b, _ := defaultOf(name).(bool)
	return b
}

// Float returns a double key or its default.
func (c *Configuration) Float(name string) float64 {
	if r := c.get(name); r.Type == gjson.Number {
		return r.Float()
	}
	f, _ := defaultOf(name).(float64)
	return f
}

// Str returns a string key or its default.
func (c *Configuration) Str(name string) string {
	if r := c.get(name); r.Type == gjson.String {
		return r.Str
	}
	s, _ := defaultOf(name).(string)
	return s
}

// Strings returns a string-list key or its default.
func (c *Configuration) Strings(name string) []string {
	r := c.get(name)
	if !r.IsArray() {
		def, _ := defaultOf(name).([]string)
		return append([]string(nil), def...)
	}
	out := []string{}
	for _, item := range r.Array() {
		out = append(out, item.String())
	}
	return out
}

// Commands returns the configured voice commands. Entries made only of
// metadata keys are comments and are skipped.
func (c *Configuration) Commands() []Command {
	cmds := []Command{}
	for _, item := range c.get(KeyCommands).Array() {
		if isCommentObject(item) {
			continue
		}
		var cmd Command
		if err := json.Unmarshal([]byte(item.Raw), &cmd); err != nil {
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// Threshold returns the command threshold normalized to [0, 1].
func (c *Configuration) Threshold() float64 {
	t := c.Float(KeyCommandThreshold)
	if t > 1 {
		t /= 100
	}
	return t
}

func (c *Configuration) get(key string) gjson.Result {
	return gjson.GetBytes(c.raw, escapeKey(key))
}

// Compare returns the keys whose values differ between old and updated.
// Values are compared structurally, so 80 and 80.0 are equal and object key
// order is ignored.
func Compare(old, updated *Configuration) Diff {
	var d Diff
	oldDoc := gjson.ParseBytes(old.raw)
	newDoc := gjson.ParseBytes(updated.raw)

	seen := make(map[string]bool)
	check := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		a := oldDoc.Get(escapeKey(name))
		b := newDoc.Get(escapeKey(name))
		if sameValue(a, b) {
			return
		}
		if _, ok := Lookup(name); ok {
			d.Keys = append(d.Keys, name)
		} else {
			d.Other = append(d.Other, name)
		}
	}
	oldDoc.ForEach(func(k, _ gjson.Result) bool { check(k.String()); return true })
	newDoc.ForEach(func(k, _ gjson.Result) bool { check(k.String()); return true })

	sort.Strings(d.Keys)
	sort.Strings(d.Other)
	return d
}

func sameValue(a, b gjson.Result) bool {
	if a.Exists() != b.Exists() {
		return false
	}
	return reflect.DeepEqual(a.Value(), b.Value())
}

func checkKind(key Key, v gjson.Result) error {
	bad := &ValidationError{Key: key.Name, Want: key.Kind, Got: jsonTypeName(v)}
	switch key.Kind {
	case KindBool:
		if !v.IsBool() {
			return bad
		}
	case KindDouble:
		if v.Type != gjson.Number {
			return bad
		}
	case KindString:
		if v.Type != gjson.String {
			return bad
		}
	case KindStringList:
		if !v.IsArray() {
			return bad
		}
		for _, item := range v.Array() {
			if item.Type != gjson.String {
				bad.Got = "array containing " + jsonTypeName(item)
				return bad
			}
		}
	case KindCommands:
		if !v.IsArray() {
			return bad
		}
		for i, item := range v.Array() {
			if !item.IsObject() {
				bad.Got = "array containing " + jsonTypeName(item)
				return bad
			}
			if isCommentObject(item) {
				continue
			}
			var cmd Command
			if err := json.Unmarshal([]byte(item.Raw), &cmd); err != nil {
				bad.Err = fmt.Errorf("command %d: %w", i, err)
				return bad
			}
		}
	}
	return nil
}

func isCommentObject(item gjson.Result) bool {
	comment := true
	item.ForEach(func(k, _ gjson.Result) bool {
		if !IsMetadata(k.String()) {
			comment = false
			return false
		}
		return true
	})
	return comment
}

func jsonTypeName(v gjson.Result) string {
	switch {
	case v.IsArray():
		return "array"
	case v.IsObject():
		return "object"
	case v.IsBool():
		return "boolean"
	}
	switch v.Type {
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	case gjson.Null:
		return "null"
	}
	return "unknown"
}

func defaultOf(name string) any {
	k, ok := Lookup(name)
	if !ok {
		return nil
	}
	return k.Default
}

// escapeKey turns a literal object key into a gjson/sjson path component.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
