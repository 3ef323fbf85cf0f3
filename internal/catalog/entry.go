package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/gardenpub/internal/compat"
)

// HashPrefix tags content hashes with their algorithm.
const HashPrefix = "sha256:"

// Entry is one publishable extension descriptor.
type Entry struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	CompatRange *compat.Range   `json:"compat_range,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
}

// Range returns the entry's compatibility range, defaulting to all versions.
func (e Entry) Range() compat.Range {
	if e.CompatRange == nil {
		return compat.All()
	}
	return *e.CompatRange
}

// Label renders "name@version [range]" for reports.
func (e Entry) Label() string {
	return fmt.Sprintf("%s@%s [%s]", e.Name, e.Version, e.Range())
}

// ComputeHash returns the content hash of the canonical payload.
func (e Entry) ComputeHash() (string, error) {
	canonical, err := canonicalPayload(e.Payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// reserved are the keys that belong to the entry envelope rather than the
// payload when decoding flat legacy documents.
var reserved = map[string]bool{
	"name":             true,
	"version":          true,
	"compat_range":     true,
	"kamiwaza_version": true,
	"payload":          true,
	"content_hash":     true,
}

// UnmarshalJSON accepts the envelope form and the flat legacy form, where
// descriptor fields sit beside name and version and the range is given as a
// kamiwaza_version constraint string. Flat fields become the payload.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("catalog: entry must be an object: %w", err)
	}
	var out Entry
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &out.Name); err != nil {
			return fmt.Errorf("catalog: name: %w", err)
		}
	}
	if raw, ok := fields["version"]; ok {
		if err := json.Unmarshal(raw, &out.Version); err != nil {
			return fmt.Errorf("catalog: version: %w", err)
		}
	}
	rangeRaw, ok := fields["compat_range"]
	if !ok {
		rangeRaw, ok = fields["kamiwaza_version"]
	}
	if ok && !isNull(rangeRaw) {
		var r compat.Range
		if err := json.Unmarshal(rangeRaw, &r); err != nil {
			return fmt.Errorf("catalog: %s: compat_range: %w", out.Name, err)
		}
		out.CompatRange = &r
	}
	if raw, ok := fields["content_hash"]; ok {
		if err := json.Unmarshal(raw, &out.ContentHash); err != nil {
			return fmt.Errorf("catalog: content_hash: %w", err)
		}
	}
	if raw, ok := fields["payload"]; ok {
		out.Payload = append(json.RawMessage(nil), raw...)
	} else {
		extra := make(map[string]json.RawMessage)
		for key, raw := range fields {
			if !reserved[key] {
				extra[key] = raw
			}
		}
		if len(extra) > 0 {
			payload, err := json.Marshal(extra)
			if err != nil {
				return fmt.Errorf("catalog: %s: payload: %w", out.Name, err)
			}
			out.Payload = payload
		}
	}
	*e = out
	return nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// canonicalPayload re-encodes payload with sorted object keys and numbers
// kept as written. An empty payload hashes as {}.
func canonicalPayload(payload json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("catalog: payload: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("catalog: payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}

// Less orders entries by name, version precedence and range. Unparseable
// versions sort after valid ones by their raw text.
func Less(a, b Entry) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if c, err := compat.CompareVersions(a.Version, b.Version); err == nil {
		if c != 0 {
			return c < 0
		}
	} else if a.Version != b.Version {
		return a.Version < b.Version
	}
	return compat.CompareRanges(a.Range(), b.Range()) < 0
}
