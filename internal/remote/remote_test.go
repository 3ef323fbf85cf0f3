package remote

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/gardenpub/internal/storage/memory"
)

func TestLayoutKeys(t *testing.T) {
	t.Parallel()

	l := DefaultLayout()
	if got := l.CatalogKey("dev", "apps"); got != "garden/dev/apps.json" {
		t.Fatalf("catalog key %q", got)
	}
	if got := l.LockKey("dev", "apps"); got != "garden/dev/apps.lock" {
		t.Fatalf("lock key %q", got)
	}
	if got := l.BackupKey("prod", "tools", "20240102T030405.000000000Z.json"); got != "garden/prod/backups/tools/20240102T030405.000000000Z.json" {
		t.Fatalf("backup key %q", got)
	}
	custom := Layout{Root: "/registry/", LockName: "registry.lock"}
	if got := custom.LockKey("stage", "apps"); got != "registry/stage/registry.lock" {
		t.Fatalf("custom lock key %q", got)
	}
	if got := custom.StagePrefix("stage"); got != "registry/stage/" {
		t.Fatalf("stage prefix %q", got)
	}
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"dev", "apps", "tools-v2"} {
		if err := ValidateName("family", name); err != nil {
			t.Fatalf("%q: %v", name, err)
		}
	}
	for _, name := range []string{"", " ", " dev", "a/b", `a\b`, "..", "backups"} {
		if err := ValidateName("family", name); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestClientReadWriteDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := New(memory.New(), Layout{})
	if _, err := client.Read(ctx, "dev", "apps"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	exists, err := client.Exists(ctx, "dev", "apps")
	if err != nil || exists {
		t.Fatalf("expected missing document, got %v %v", exists, err)
	}
	if _, err := client.Write(ctx, "dev", "apps", []byte("[]\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := client.Write(ctx, "dev", "apps-extra", []byte("[]\n")); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	doc, err := client.Read(ctx, "dev", "apps")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(doc.Data) != "[]\n" || doc.Key != "garden/dev/apps.json" || doc.ETag == "" || doc.Checksum == "" {
		t.Fatalf("unexpected document %+v", doc)
	}
	info, err := client.Stat(ctx, doc.Key)
	if err != nil || info.Size != 3 {
		t.Fatalf("stat: %+v %v", info, err)
	}
	if _, err := client.Stat(ctx, "garden/dev/apps"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stat of a bare prefix should miss, got %v", err)
	}
	if err := client.Delete(ctx, "dev", "apps"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := client.Delete(ctx, "dev", "apps"); err != nil {
		t.Fatalf("second delete should be ignored: %v", err)
	}
	objects, err := client.List(ctx, client.Layout().StagePrefix("dev"))
	if err != nil || len(objects) != 1 || objects[0].Key != "garden/dev/apps-extra.json" {
		t.Fatalf("unexpected listing %+v %v", objects, err)
	}
}

type noCopy struct{ storage.Backend }

func TestCopyKeyFallsBackToReadPut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, backend := range map[string]storage.Backend{
		"server-side": memory.New(),
		"fallback":    noCopy{memory.New()},
	} {
		client := New(backend, DefaultLayout())
		if _, err := client.PutKey(ctx, "garden/dev/apps.json", []byte(`[1]`), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("%s: put: %v", name, err)
		}
		if _, err := client.CopyKey(ctx, "garden/dev/apps.json", "garden/dev/copy.json", storage.CopyObjectOptions{IfNotExists: true}); err != nil {
			t.Fatalf("%s: copy: %v", name, err)
		}
		data, _, err := client.ReadKey(ctx, "garden/dev/copy.json")
		if err != nil || string(data) != `[1]` {
			t.Fatalf("%s: unexpected copy %q %v", name, data, err)
		}
		if _, err := client.CopyKey(ctx, "garden/dev/apps.json", "garden/dev/copy.json", storage.CopyObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("%s: expected cas mismatch on existing destination, got %v", name, err)
		}
	}
}
