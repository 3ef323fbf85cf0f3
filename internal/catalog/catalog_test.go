package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/gardenpub/internal/compat"
)

func rangePtr(min, max string) *compat.Range {
	r := compat.MustRange(min, max)
	return &r
}

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  int
	}{
		{name: "empty", input: "", want: 0},
		{name: "whitespace", input: "  \n", want: 0},
		{name: "null", input: "null", want: 0},
		{name: "empty array", input: "[]", want: 0},
		{name: "array", input: `[{"name":"a","version":"1.0.0"},{"name":"b","version":"2.0.0"}]`, want: 2},
		{name: "wrapped", input: `{"entries":[{"name":"a","version":"1.0.0"}]}`, want: 1},
	}
	for _, tc := range cases {
		cat, err := Decode([]byte(tc.input))
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if cat == nil || len(cat) != tc.want {
			t.Fatalf("%s: expected %d entries, got %#v", tc.name, tc.want, cat)
		}
	}
	if _, err := Decode([]byte(`"apps"`)); err == nil {
		t.Fatal("expected scalar document to fail")
	}
	if _, err := Decode([]byte(`[{"name":"a"`)); err == nil {
		t.Fatal("expected truncated document to fail")
	}
}

func TestDecodeLegacyFlatEntry(t *testing.T) {
	t.Parallel()

	cat, err := Decode([]byte(`[{"name":"jupyter","version":"1.2.0","kamiwaza_version":">=0.8.0,<1.0.0","image":"repo/jupyter:1.2.0","ports":[8888]}]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Entry{
		Name:        "jupyter",
		Version:     "1.2.0",
		CompatRange: rangePtr("0.8.0", "1.0.0"),
		Payload:     json.RawMessage(`{"image":"repo/jupyter:1.2.0","ports":[8888]}`),
	}
	want.ContentHash, _ = want.ComputeHash()
	opts := cmp.Comparer(func(a, b *compat.Range) bool {
		if a == nil || b == nil {
			return a == b
		}
		return compat.Relate(*a, *b) == compat.Equal
	})
	if diff := cmp.Diff(want, cat[0], opts); diff != "" {
		t.Fatalf("legacy entry mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeIsCanonical(t *testing.T) {
	t.Parallel()

	cat := Catalog{{
		Name:        "alpha",
		Version:     "1.0.0",
		CompatRange: rangePtr("1.0.0", "2.0.0"),
		Payload:     json.RawMessage(`{"b":1,"a":"<x>"}`),
	}}
	if err := cat.fillHashes(); err != nil {
		t.Fatalf("hash: %v", err)
	}
	data, err := Encode(cat)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := string(data)
	if !strings.HasSuffix(text, "]\n") || !strings.HasPrefix(text, "[\n  {\n    \"name\": \"alpha\"") {
		t.Fatalf("unexpected layout:\n%s", text)
	}
	if !strings.Contains(text, `"a": "<x>"`) {
		t.Fatalf("expected unescaped payload:\n%s", text)
	}
	again, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	data2, err := Encode(again)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if Checksum(data) != Checksum(data2) {
		t.Fatalf("encoding not stable:\n%s\n%s", data, data2)
	}
	empty, _ := Encode(nil)
	if string(empty) != "[]\n" {
		t.Fatalf("unexpected empty encoding %q", empty)
	}
}

func TestContentHashIgnoresKeyOrderAndWhitespace(t *testing.T) {
	t.Parallel()

	a := Entry{Payload: json.RawMessage(`{"a":1,"b":{"y":2.50,"x":[1,2]}}`)}
	b := Entry{Payload: json.RawMessage("{ \"b\": {\"x\": [1, 2], \"y\": 2.50}, \"a\": 1 }")}
	ha, err := a.ComputeHash()
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := b.ComputeHash()
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb || !strings.HasPrefix(ha, HashPrefix) {
		t.Fatalf("expected equal hashes, got %s and %s", ha, hb)
	}
	c := Entry{Payload: json.RawMessage(`{"a":1,"b":{"y":2.5,"x":[1,2]}}`)}
	if hc, _ := c.ComputeHash(); hc == ha {
		t.Fatal("number formatting should be preserved in the hash")
	}
	empty, _ := Entry{}.ComputeHash()
	object, _ := Entry{Payload: json.RawMessage(`{}`)}.ComputeHash()
	if empty != object {
		t.Fatal("empty payload should hash as {}")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	good := Catalog{
		{Name: "a", Version: "1.0.0", CompatRange: rangePtr("1.0.0", "2.0.0")},
		{Name: "a", Version: "1.1.0", CompatRange: rangePtr("2.0.0", "3.0.0")},
		{Name: "a", Version: "1.2.0", CompatRange: rangePtr("2.0.0", "2.5.0")},
		{Name: "b", Version: "1.0.0"},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid catalog, got %v", err)
	}

	bad := Catalog{
		{Name: "", Version: "1.0.0"},
		{Name: "a", Version: "one"},
		{Name: "b", Version: "1.0.0", CompatRange: rangePtr("1.0.0", "2.0.0")},
		{Name: "b", Version: "1.0", CompatRange: rangePtr("3.0.0", "")},
		{Name: "c", Version: "1.0.0", CompatRange: rangePtr("1.0.0", "2.0.0")},
		{Name: "c", Version: "2.0.0", CompatRange: rangePtr("1.5.0", "3.0.0")},
		{Name: "d", Version: "1.0.0", Payload: json.RawMessage(`[1]`)},
		{Name: "e", Version: "1.0.0", Payload: json.RawMessage(`{"x":1}`), ContentHash: "sha256:deadbeef"},
	}
	err := bad.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	got := make([]int, 0, len(verr.Problems))
	for _, p := range verr.Problems {
		got = append(got, p.Index)
	}
	if diff := cmp.Diff([]int{0, 1, 6, 7, 3, 5}, got); diff != "" {
		t.Fatalf("problem indices mismatch (-want +got):\n%s\n%v", diff, err)
	}
	if verr.Problems[4].Other != 2 || !strings.Contains(verr.Problems[4].Message, "duplicate version") {
		t.Fatalf("unexpected duplicate problem %+v", verr.Problems[4])
	}
	if !strings.Contains(verr.Problems[5].Message, "partially overlaps") {
		t.Fatalf("unexpected overlap problem %+v", verr.Problems[5])
	}
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "apps.yaml")
	doc := `
- name: alpha
  version: "1.2.0"
  compat_range:
    min: "0.9.0"
  payload:
    image: repo/alpha:1.2.0
    env:
      MODE: prod
`
	if err := os.WriteFile(yamlPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromYAML, err := LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	jsonPath := filepath.Join(dir, "apps.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"name":"alpha","version":"1.2.0","compat_range":{"min":"0.9.0"},"payload":{"env":{"MODE":"prod"},"image":"repo/alpha:1.2.0"}}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromJSON, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if fromYAML[0].ContentHash != fromJSON[0].ContentHash {
		t.Fatalf("yaml and json payload hashes differ: %s vs %s", fromYAML[0].ContentHash, fromJSON[0].ContentHash)
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestSortedAndNamed(t *testing.T) {
	t.Parallel()

	cat := Catalog{
		{Name: "b", Version: "1.0.0"},
		{Name: "a", Version: "1.10.0"},
		{Name: "a", Version: "1.9.0"},
	}
	sorted := cat.Sorted()
	want := []string{"a@1.9.0", "a@1.10.0", "b@1.0.0"}
	var got []string
	for _, e := range sorted {
		got = append(got, e.Name+"@"+e.Version)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sort mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "a"}, cat.Names()); diff != "" {
		t.Fatalf("names mismatch:\n%s", diff)
	}
	if n := len(cat.Named("a")); n != 2 {
		t.Fatalf("expected 2 entries named a, got %d", n)
	}
	if cat[0].Name != "b" {
		t.Fatal("Sorted must not reorder the receiver")
	}
}
