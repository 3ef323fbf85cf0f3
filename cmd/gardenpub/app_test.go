package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub"
	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/lock"
	"pkt.systems/gardenpub/internal/publish"
	"pkt.systems/gardenpub/internal/remote"
	"pkt.systems/gardenpub/internal/storage/disk"
)

type cliResult struct {
	stdout string
	stderr string
	err    error
	code   int
}

func runCLI(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), err: err, code: exitCode(err)}
}

// storeEnv isolates the CLI from the caller's environment and returns a
// disk store URL rooted in a temp dir.
func storeEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("GARDENPUB_CONFIG_DIR", t.TempDir())
	t.Setenv("GARDENPUB_LEGACY_ENV", "false")
	t.Setenv("GARDENPUB_STORE", "")
	t.Setenv("GARDENPUB_OTLP_ENDPOINT", "")
	t.Setenv("GARDENPUB_METRICS_PUSHGATEWAY", "")
	return "disk://" + filepath.Join(t.TempDir(), "store")
}

func writeCatalog(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

const (
	appsV1 = `[
  {"name": "alpha", "version": "1.0.0", "compat_range": {"min": "1.0.0", "max": "2.0.0"}, "payload": {"image": "alpha:1.0.0"}},
  {"name": "beta", "version": "0.3.0", "payload": {"image": "beta:0.3.0"}}
]`
	appsOverlap = `[
  {"name": "alpha", "version": "1.1.0", "compat_range": {"min": "1.5.0", "max": "3.0.0"}}
]`
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: nil, want: 0},
		{err: &publish.Error{Kind: publish.KindMergeConflict}, want: 1},
		{err: &publish.Error{Kind: publish.KindLockContention}, want: 2},
		{err: &publish.Error{Kind: publish.KindVerificationMismatch}, want: 3},
		{err: &publish.Error{Kind: publish.KindStoreIO}, want: 4},
		{err: usageError("bad %s", "input"), want: 5},
		{err: errors.New(`unknown command "frobnicate" for "gardenpub"`), want: 5},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestPublishListDownload(t *testing.T) {
	store := storeEnv(t)
	apps := writeCatalog(t, "apps.json", appsV1)

	res := runCLI(t, "", "--store", store, "publish", "--stage", "dev", "--family", "apps", "--catalog", apps)
	if res.code != 0 {
		t.Fatalf("publish exit %d: %v", res.code, res.err)
	}
	if !strings.Contains(res.stdout, "publish dev/apps: RELEASED") || !strings.Contains(res.stdout, "INSERT:  2") {
		t.Fatalf("unexpected publish output:\n%s", res.stdout)
	}

	res = runCLI(t, "", "--store", store, "list", "--stage", "dev", "--family", "apps")
	if res.code != 0 {
		t.Fatalf("list exit %d: %v", res.code, res.err)
	}
	for _, want := range []string{"garden/dev/apps.json: 2 entries", "alpha", ">=1.0.0,<2.0.0", "beta"} {
		if !strings.Contains(res.stdout, want) {
			t.Fatalf("list output missing %q:\n%s", want, res.stdout)
		}
	}

	res = runCLI(t, "", "--store", store, "list", "--stage", "dev", "--family", "apps", "--json")
	if res.code != 0 {
		t.Fatalf("list --json exit %d: %v", res.code, res.err)
	}
	listed, err := catalog.Decode([]byte(res.stdout))
	if err != nil {
		t.Fatalf("decode list output: %v", err)
	}
	if diff := cmp.Diff([]string{"alpha", "beta"}, listed.Names()); diff != "" {
		t.Fatalf("listed names (-want +got):\n%s", diff)
	}

	out := filepath.Join(t.TempDir(), "downloaded.json")
	res = runCLI(t, "", "--store", store, "download", "--stage", "dev", "--family", "apps", "--output", out)
	if res.code != 0 {
		t.Fatalf("download exit %d: %v", res.code, res.err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if stdout := runCLI(t, "", "--store", store, "download", "--stage", "dev", "--family", "apps").stdout; string(data) != stdout {
		t.Fatal("file and stdout downloads differ")
	}

	res = runCLI(t, "", "--store", store, "download", "--stage", "prod", "--family", "apps")
	if res.code != 0 || res.stdout != "[]\n" {
		t.Fatalf("absent download = %q (exit %d)", res.stdout, res.code)
	}
}

func TestPublishRejectionLeavesCatalog(t *testing.T) {
	store := storeEnv(t)
	apps := writeCatalog(t, "apps.json", appsV1)
	if res := runCLI(t, "", "--store", store, "publish", "--stage", "dev", "--family", "apps", "--catalog", apps); res.code != 0 {
		t.Fatalf("seed publish: %v", res.err)
	}
	before := runCLI(t, "", "--store", store, "download", "--stage", "dev", "--family", "apps").stdout

	overlap := writeCatalog(t, "overlap.json", appsOverlap)
	res := runCLI(t, "", "--store", store, "publish", "--stage", "dev", "--family", "apps", "--catalog", overlap)
	if res.code != publish.ExitRejected {
		t.Fatalf("expected exit 1, got %d: %v", res.code, res.err)
	}
	if !strings.Contains(res.stdout, "ambiguous-range") {
		t.Fatalf("conflict not reported:\n%s", res.stdout)
	}
	after := runCLI(t, "", "--store", store, "download", "--stage", "dev", "--family", "apps").stdout
	if before != after {
		t.Fatal("rejected publish changed the published catalog")
	}
	status := runCLI(t, "", "--store", store, "lock", "status", "--stage", "dev", "--family", "apps")
	if !strings.Contains(status.stdout, "free") {
		t.Fatalf("lock should be released after rejection:\n%s", status.stdout)
	}
}

func TestPublishForceOutsideDevIsForbidden(t *testing.T) {
	store := storeEnv(t)
	apps := writeCatalog(t, "apps.json", appsV1)
	res := runCLI(t, "", "--store", store, "publish", "--stage", "prod", "--family", "apps", "--catalog", apps, "--force", "alpha")
	if publish.KindOf(res.err) != publish.KindForbidden || res.code != publish.ExitInvalidArgs {
		t.Fatalf("expected forbidden, got exit %d: %v", res.code, res.err)
	}
}

func TestPublishDryRunJSON(t *testing.T) {
	store := storeEnv(t)
	apps := writeCatalog(t, "apps.yaml", "- name: alpha\n  version: 1.0.0\n")
	res := runCLI(t, "", "--store", store, "publish", "--stage", "dev", "--family", "apps", "--catalog", apps, "--dry-run", "--json")
	if res.code != 0 {
		t.Fatalf("dry run exit %d: %v", res.code, res.err)
	}
	var view struct {
		State    string `json:"state"`
		DryRun   bool   `json:"dry_run"`
		BackupID string `json:"backup_id"`
		Plan     string `json:"plan"`
	}
	if err := json.Unmarshal([]byte(res.stdout), &view); err != nil {
		t.Fatalf("decode report: %v\n%s", err, res.stdout)
	}
	if view.State != string(publish.StateReleased) || !view.DryRun || view.BackupID != "" || !strings.Contains(view.Plan, "INSERT:  1") {
		t.Fatalf("unexpected report %+v", view)
	}
	list := runCLI(t, "", "--store", store, "list", "--stage", "dev", "--family", "apps")
	if !strings.Contains(list.stdout, "not published") {
		t.Fatalf("dry run must not publish:\n%s", list.stdout)
	}
	backups := runCLI(t, "", "--store", store, "backups", "list", "--stage", "dev", "--family", "apps")
	if strings.Count(strings.TrimSpace(backups.stdout), "\n") != 0 {
		t.Fatalf("dry run must not write backups:\n%s", backups.stdout)
	}
}

func TestLockContentionAndRemoval(t *testing.T) {
	store := storeEnv(t)
	locks := runCLI(t, "", "--store", store, "lock", "status", "--stage", "dev", "--family", "apps")
	if !strings.Contains(locks.stdout, "garden/dev/apps.lock: free") {
		t.Fatalf("unexpected status:\n%s", locks.stdout)
	}
	holdLock(t, store, "stuck-job")

	apps := writeCatalog(t, "apps.json", appsV1)
	res := runCLI(t, "", "--store", store, "publish", "--stage", "dev", "--family", "apps", "--catalog", apps)
	if res.code != publish.ExitLocked {
		t.Fatalf("expected exit 2, got %d: %v", res.code, res.err)
	}
	if !strings.Contains(res.err.Error(), "gardenpub lock remove --stage dev --family apps") {
		t.Fatalf("contention error should carry the remedy: %v", res.err)
	}

	status := runCLI(t, "", "--store", store, "lock", "status", "--stage", "dev", "--family", "apps")
	if !strings.Contains(status.stdout, "held by stuck-job") {
		t.Fatalf("unexpected status:\n%s", status.stdout)
	}
	removed := runCLI(t, "", "--store", store, "remove-lock", "--stage", "dev", "--family", "apps")
	if removed.code != 0 || !strings.Contains(removed.stdout, "removed (holder stuck-job)") {
		t.Fatalf("remove-lock exit %d: %s %v", removed.code, removed.stdout, removed.err)
	}
	again := runCLI(t, "", "--store", store, "lock", "remove", "--stage", "dev", "--family", "apps")
	if again.code != 0 || !strings.Contains(again.stdout, "no lock present") {
		t.Fatalf("second remove: %s %v", again.stdout, again.err)
	}
	if res := runCLI(t, "", "--store", store, "publish", "--stage", "dev", "--family", "apps", "--catalog", apps); res.code != 0 {
		t.Fatalf("publish after removal: %v", res.err)
	}
}

// holdLock leaves a lock in store the way a crashed run would.
func holdLock(t *testing.T, store, holder string) {
	t.Helper()
	diskCfg, err := gardenpub.BuildDiskConfig(store)
	if err != nil {
		t.Fatalf("disk config: %v", err)
	}
	backend, err := disk.New(diskCfg)
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	defer backend.Close()
	locks := lock.New(remote.New(backend, remote.DefaultLayout()), lock.Config{Logger: pslog.NoopLogger()})
	if _, err := locks.Acquire(context.Background(), "dev", "apps", holder); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}

func TestRemoveEntryConfirmation(t *testing.T) {
	store := storeEnv(t)
	apps := writeCatalog(t, "apps.json", appsV1)
	if res := runCLI(t, "", "--store", store, "publish", "--stage", "stage", "--family", "apps", "--catalog", apps); res.code != 0 {
		t.Fatalf("seed: %v", res.err)
	}

	declined := runCLI(t, "n\n", "--store", store, "remove-entry", "--stage", "stage", "--family", "apps", "--name", "beta")
	if publish.KindOf(declined.err) != publish.KindAborted || declined.code != publish.ExitInvalidArgs {
		t.Fatalf("expected aborted, got %d: %v", declined.code, declined.err)
	}
	if !strings.Contains(declined.stderr, "beta@0.3.0") {
		t.Fatalf("prompt should list the entry:\n%s", declined.stderr)
	}

	missing := runCLI(t, "", "--store", store, "remove-entry", "--stage", "stage", "--family", "apps", "--name", "gamma", "--yes")
	if missing.code != publish.ExitRejected {
		t.Fatalf("expected exit 1 for missing entry, got %d: %v", missing.code, missing.err)
	}

	confirmed := runCLI(t, "yes\n", "--store", store, "remove-entry", "--stage", "stage", "--family", "apps", "--name", "beta")
	if confirmed.code != 0 {
		t.Fatalf("confirmed removal exit %d: %v", confirmed.code, confirmed.err)
	}
	list := runCLI(t, "", "--store", store, "list", "--stage", "stage", "--family", "apps")
	if strings.Contains(list.stdout, "beta") || !strings.Contains(list.stdout, "alpha") {
		t.Fatalf("unexpected catalog after removal:\n%s", list.stdout)
	}
}

func TestBackupsListAndRestore(t *testing.T) {
	store := storeEnv(t)
	apps := writeCatalog(t, "apps.json", appsV1)
	if res := runCLI(t, "", "--store", store, "publish", "--stage", "dev", "--family", "apps", "--catalog", apps); res.code != 0 {
		t.Fatalf("publish: %v", res.err)
	}
	res := runCLI(t, "", "--store", store, "backups", "list", "--stage", "dev", "--family", "apps")
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "absent") {
		t.Fatalf("unexpected backups:\n%s", res.stdout)
	}
	id := strings.Fields(lines[1])[0]

	declined := runCLI(t, "\n", "--store", store, "backups", "restore", id, "--stage", "dev", "--family", "apps")
	if publish.KindOf(declined.err) != publish.KindAborted {
		t.Fatalf("expected aborted restore, got %v", declined.err)
	}
	restored := runCLI(t, "", "--store", store, "backups", "restore", id, "--stage", "dev", "--family", "apps", "--yes")
	if restored.code != 0 || !strings.Contains(restored.stdout, "catalog removed") {
		t.Fatalf("restore exit %d: %s %v", restored.code, restored.stdout, restored.err)
	}
	list := runCLI(t, "", "--store", store, "list", "--stage", "dev", "--family", "apps")
	if !strings.Contains(list.stdout, "not published") {
		t.Fatalf("restore of absent snapshot should delete the catalog:\n%s", list.stdout)
	}
}

func TestValidateCommand(t *testing.T) {
	storeEnv(t)
	good := writeCatalog(t, "good.json", appsV1)
	res := runCLI(t, "", "validate", "--catalog", good)
	if res.code != 0 || !strings.Contains(res.stdout, "2 entries ok") {
		t.Fatalf("validate good: %d %s %v", res.code, res.stdout, res.err)
	}
	bad := writeCatalog(t, "bad.json", `[{"name": "alpha", "version": "one"}]`)
	res = runCLI(t, "", "validate", "--catalog", bad)
	if res.code != publish.ExitInvalidArgs {
		t.Fatalf("validate bad: exit %d, %v", res.code, res.err)
	}
	res = runCLI(t, "", "validate")
	if res.code != publish.ExitInvalidArgs {
		t.Fatalf("missing --catalog: exit %d, %v", res.code, res.err)
	}
}

func TestConfigFileAndEnvironment(t *testing.T) {
	storeEnv(t)
	dir := t.TempDir()
	store := "disk://" + filepath.Join(dir, "from-config")
	data, err := defaultConfigYAML(func(c *configDefaults) { c.StoreDev = store })
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatal(err)
	}
	apps := writeCatalog(t, "apps.json", appsV1)
	if res := runCLI(t, "", "--config", cfgPath, "publish", "--stage", "dev", "--family", "apps", "--catalog", apps); res.code != 0 {
		t.Fatalf("publish with config file: %v", res.err)
	}
	if _, err := os.Stat(filepath.Join(dir, "from-config", "objects", "garden", "dev", "apps.json")); err != nil {
		t.Fatalf("catalog not written through the configured store: %v", err)
	}

	t.Setenv("GARDENPUB_STORE_DEV", store)
	res := runCLI(t, "", "list", "--stage", "dev", "--family", "apps")
	if res.code != 0 || !strings.Contains(res.stdout, "2 entries") {
		t.Fatalf("list through env store: %d %s %v", res.code, res.stdout, res.err)
	}

	res = runCLI(t, "", "--store", "ftp://nowhere", "list", "--stage", "dev", "--family", "apps")
	if res.code != publish.ExitInvalidArgs {
		t.Fatalf("bad store scheme: exit %d, %v", res.code, res.err)
	}
	res = runCLI(t, "", "--config", filepath.Join(dir, "missing.yaml"), "list", "--stage", "dev", "--family", "apps")
	if res.code != publish.ExitInvalidArgs {
		t.Fatalf("missing explicit config: exit %d, %v", res.code, res.err)
	}
}

func TestConfigGen(t *testing.T) {
	storeEnv(t)
	res := runCLI(t, "", "config", "gen", "--stdout")
	if res.code != 0 {
		t.Fatalf("config gen: %v", res.err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(res.stdout), &got); err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	root := newRootCommand(pslog.NoopLogger())
	for key := range got {
		if root.PersistentFlags().Lookup(key) == nil {
			t.Fatalf("generated key %q has no matching flag", key)
		}
	}
	out := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	if res := runCLI(t, "", "config", "gen", "--out", out); res.code != 0 {
		t.Fatalf("config gen --out: %v", res.err)
	}
	if res := runCLI(t, "", "config", "gen", "--out", out); res.code != publish.ExitInvalidArgs {
		t.Fatalf("overwrite without --force: exit %d, %v", res.code, res.err)
	}
	if res := runCLI(t, "", "config", "gen", "--out", out, "--force"); res.code != 0 {
		t.Fatalf("overwrite with --force: %v", res.err)
	}
}

func TestUnknownFlagIsInvalid(t *testing.T) {
	storeEnv(t)
	res := runCLI(t, "", "publish", "--bogus")
	if res.code != publish.ExitInvalidArgs {
		t.Fatalf("unknown flag: exit %d, %v", res.code, res.err)
	}
}
