// Package patchd exposes the Go APIs behind the patch lifecycle daemon that
// keeps a patch-catalog editor and a deployment server converged on the same
// view of software titles and versions. The daemon owns the authoritative
// lifecycle state (pending, pilot, released, deprecated, skipped), serializes
// mutations through per-title leases, and reconciles the eventually
// consistent external systems in the background.
//
// # Running a server
//
// The server listens on the network specified by Config.ListenProto (default
// tcp) and address Config.Listen. The catalog editor and deployment server
// endpoints are required unless clients are injected through options.
//
//	cfg := patchd.Config{
//	    Store:      "disk:///var/lib/patchd-data",
//	    Listen:     ":9741",
//	    CatalogURL: "https://catalog.example.com",
//	    DeployURL:  "https://deploy.example.com",
//	}
//	srv, err := patchd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("patchd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("patchd shutdown: %v", err)
//	    }
//	}()
//
// StartServer wraps the same flow for callers that want a ready server and a
// stop function:
//
//	srv, stop, err := patchd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Storage
//
// Lifecycle snapshots are JSON documents persisted through the store DSN:
//
//   - mem:// keeps everything in memory (tests and development)
//   - disk:///path writes atomically under a directory root
//   - s3://host[:port]/bucket[/prefix] targets any S3-compatible object store
//
// # Embedding
//
// Handler returns the assembled http.Handler for mounting under an existing
// mux, and Service exposes the lifecycle service directly. Tests typically
// inject fakes with WithStore, WithCatalogClient, and WithDeployClient, and a
// manual clock with WithClock.
//
// # Progress streaming
//
// Mutating HTTP operations answer with NDJSON progress lines so operators can
// follow multi-step transitions live; the final line carries done=true and,
// on failure, the error. Background reconciliation outlives the request and
// escalates through the configured alerter when the external systems fail to
// converge within the configured window.
package patchd
