// Package catalog models the published extension catalog document and its
// JSON codec.
package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the ordered list of entries for one family at one stage.
type Catalog []Entry

// Decode parses a catalog document. It accepts a JSON array of entries, an
// object with an "entries" array, or an empty document. Missing content
// hashes are filled in.
func Decode(data []byte) (Catalog, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Catalog{}, nil
	}
	var entries []Entry
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("catalog: decode: %w", err)
		}
	case '{':
		var wrapper struct {
			Entries []Entry `json:"entries"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("catalog: decode: %w", err)
		}
		entries = wrapper.Entries
	default:
		return nil, fmt.Errorf("catalog: decode: expected a JSON array of entries")
	}
	cat := Catalog(entries)
	if cat == nil {
		cat = Catalog{}
	}
	if err := cat.fillHashes(); err != nil {
		return nil, err
	}
	return cat, nil
}

// DecodeYAML parses a YAML catalog with the same shape as the JSON form.
func DecodeYAML(data []byte) (Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	if doc == nil {
		return Catalog{}, nil
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	return Decode(asJSON)
}

// LoadFile reads a local catalog, choosing YAML for .yaml/.yml files.
func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(data)
	default:
		return Decode(data)
	}
}

// Encode renders the canonical document: a two-space indented JSON array
// with a trailing newline.
func Encode(c Catalog) ([]byte, error) {
	entries := []Entry(c)
	if entries == nil {
		entries = []Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("catalog: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Checksum returns the hex sha256 of a document's bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a copy that shares no slices with c.
func (c Catalog) Clone() Catalog {
	out := make(Catalog, len(c))
	for i, e := range c {
		out[i] = e
		if e.CompatRange != nil {
			r := *e.CompatRange
			out[i].CompatRange = &r
		}
		out[i].Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return out
}

// Named returns the entries called name, in document order.
func (c Catalog) Named(name string) []Entry {
	var out []Entry
	for _, e := range c {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Names returns the distinct entry names in first-seen order.
func (c Catalog) Names() []string {
	seen := make(map[string]bool, len(c))
	var out []string
	for _, e := range c {
		if !seen[e.Name] {
			seen[e.Name] = true
			out = append(out, e.Name)
		}
	}
	return out
}

// Sorted returns a copy ordered by name, version and range.
func (c Catalog) Sorted() Catalog {
	out := c.Clone()
	sortEntries(out)
	return out
}

func (c Catalog) fillHashes() error {
	for i := range c {
		if c[i].ContentHash != "" {
			continue
		}
		hash, err := c[i].ComputeHash()
		if err != nil {
			return fmt.Errorf("catalog: entry %d (%s): %w", i, c[i].Name, err)
		}
		c[i].ContentHash = hash
	}
	return nil
}
