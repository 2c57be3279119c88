// Package keymap holds the immutable remapping table consumed by the event
// processor and its versioned binary encoding.
//
// A Config is produced once by Load, validated, and never mutated
// afterwards. Reloading replaces the whole Config.
package keymap

import (
	"sort"
	"time"

	"keyrxd/internal/keys"
)

// BaseLayer is the layer every lookup falls back to.
const BaseLayer uint16 = 0

// LayerTable maps keys to actions for one layer.
type LayerTable struct {
	ID      uint16
	Name    string
	Entries map[keys.Key]Action
}

// Metadata describes how a binary keymap was produced.
type Metadata struct {
	Name            string
	CompiledAt      time.Time
	CompilerVersion string
	SourceHash      string
}

// Config is a validated set of layer tables. Layers[i].ID == i.
type Config struct {
	Layers   []LayerTable
	Metadata Metadata
}

// NewConfig returns a Config with an empty base layer.
func NewConfig(name string) *Config {
	return &Config{
		Layers: []LayerTable{{ID: BaseLayer, Name: "base", Entries: map[keys.Key]Action{}}},
		Metadata: Metadata{
			Name: name,
		},
	}
}

// AddLayer appends a layer and returns its id.
func (c *Config) AddLayer(name string) uint16 {
	id := uint16(len(c.Layers))
	c.Layers = append(c.Layers, LayerTable{ID: id, Name: name, Entries: map[keys.Key]Action{}})
	return id
}

// Bind sets the action for key on layer. It is meant for building configs
// before they are shared; loaded configs must not be modified.
func (c *Config) Bind(layer uint16, key keys.Key, a Action) {
	c.Layers[layer].Entries[key] = a
}

// HasLayer reports whether layer exists.
func (c *Config) HasLayer(layer uint16) bool {
	return int(layer) < len(c.Layers)
}

// Lookup returns the entry for key on layer without fallback.
func (c *Config) Lookup(layer uint16, key keys.Key) (Action, bool) {
	if !c.HasLayer(layer) {
		return Action{}, false
	}
	a, ok := c.Layers[layer].Entries[key]
	return a, ok
}

// Resolve returns the action for key on layer, falling back to the base
// layer and then to a pass-through remap. It never fails.
func (c *Config) Resolve(layer uint16, key keys.Key) Action {
	if a, ok := c.Lookup(layer, key); ok {
		return a
	}
	if layer != BaseLayer {
		if a, ok := c.Lookup(BaseLayer, key); ok {
			return a
		}
	}
	return Remap(key)
}

// LayerName returns the name of layer, or "" if it does not exist.
func (c *Config) LayerName(layer uint16) string {
	if !c.HasLayer(layer) {
		return ""
	}
	return c.Layers[layer].Name
}

// EntryCount returns the number of bindings across all layers.
func (c *Config) EntryCount() int {
	n := 0
	for _, l := range c.Layers {
		n += len(l.Entries)
	}
	return n
}

// sortedKeys returns the keys bound on a layer in ascending order so that
// encoding is deterministic.
func (l LayerTable) sortedKeys() []keys.Key {
	out := make([]keys.Key, 0, len(l.Entries))
	for k := range l.Entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Equal reports whether two configs bind the same actions with the same
// metadata.
func (c *Config) Equal(o *Config) bool {
	if len(c.Layers) != len(o.Layers) || c.Metadata.Name != o.Metadata.Name ||
		c.Metadata.CompilerVersion != o.Metadata.CompilerVersion ||
		c.Metadata.SourceHash != o.Metadata.SourceHash ||
		!c.Metadata.CompiledAt.Equal(o.Metadata.CompiledAt) {
		return false
	}
	for i := range c.Layers {
		a, b := c.Layers[i], o.Layers[i]
		if a.ID != b.ID || a.Name != b.Name || len(a.Entries) != len(b.Entries) {
			return false
		}
		for k, act := range a.Entries {
			other, ok := b.Entries[k]
			if !ok || !act.Equal(other) {
				return false
			}
		}
	}
	return true
}
