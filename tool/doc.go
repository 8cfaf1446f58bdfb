// Package tool is the registry half of toolrelay.
//
// The package is split by concern:
//   - model: persisted tool servers, definitions, credential and trigger types
//   - manifest: remote manifest documents and their validation
//   - openapi: mapping OpenAPI operations into tool definitions
//   - diff: the pure create/update/soft-delete reconciliation diff
//   - store: persistence contracts with memory, SQLite and Postgres backends
//   - registry: fetch, validate and reconcile one manifest or a batch
//   - sync_scheduler: lock-guarded cron ticks for reconciliation and health
//
// Nothing here invokes tools; dispatch lives in package worker.
package tool
