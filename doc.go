// Package gardenpub exposes the Go APIs behind the catalog publisher: a
// tool that merges locally built extension catalogs into the published
// catalog of a deployment stage without ever leaving that catalog
// half-written.
//
// # Stages and families
//
// A store holds one published catalog per stage and family under
// garden/{stage}/{family}.json. Stages default to dev, stage and prod and
// can each point at a different store URL:
//
//	cfg := gardenpub.Config{
//	    Store:  "aws://garden-dev?region=eu-north-1",
//	    Stores: map[string]string{"prod": "aws://garden-prod?region=eu-north-1"},
//	}
//	svc, err := gardenpub.New(cfg, gardenpub.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer svc.Close()
//
// Supported store schemes are mem://, disk://, s3:// (MinIO, R2 and other
// S3-compatible services), aws:// and azure://.
//
// # Publishing
//
// Publish takes the stage lock, snapshots the current catalog into
// garden/{stage}/backups/{family}/, merges, uploads, reads the result back
// and releases the lock:
//
//	local, err := gardenpub.LoadCatalog("apps.json")
//	if err != nil { log.Fatal(err) }
//	rep, err := svc.Publish(ctx, gardenpub.PublishRequest{
//	    Stage:  "dev",
//	    Family: "apps",
//	    Local:  local,
//	})
//	os.Exit(publish.ExitCode(err))
//
// The merge never downgrades or rewrites a published version. A candidate
// with a higher version replaces older entries only when its compatibility
// range equals or covers theirs; anything ambiguous rejects the whole run and
// leaves the published catalog byte-identical. When the upload or the
// read-back fails, the snapshot is restored and the lock is kept so an
// operator can inspect the stage before running remove-lock.
//
// # Telemetry
//
// SetupTelemetry installs OpenTelemetry providers. Traces are exported over
// OTLP when an endpoint is configured; publish metrics are collected into a
// Prometheus registry and pushed to a Pushgateway on shutdown.
package gardenpub
