package config

import "slices"

// Diff is the set of top-level keys whose values changed between two
// configurations.
type Diff struct {
	// Keys are recognized (typed) keys, sorted.
	Keys []string
	// Other are metadata entries and unrecognized keys, sorted.
	Other []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Keys) == 0 && len(d.Other) == 0
}

// Has reports whether key changed.
func (d Diff) Has(key string) bool {
	return slices.Contains(d.Keys, key) || slices.Contains(d.Other, key)
}

// NeedsReload reports whether any changed key requires reinitializing the
// recognition engine.
func (d Diff) NeedsReload() bool {
	for _, name := range d.Keys {
		if k, ok := Lookup(name); ok && k.ReloadTriggering {
			return true
		}
	}
	return false
}

// All returns every changed key.
func (d Diff) All() []string {
	out := make([]string, 0, len(d.Keys)+len(d.Other))
	out = append(out, d.Keys...)
	return append(out, d.Other...)
}
