// Package sqlite provides a SQLite-backed countersign store.
//
// It persists backchannel requests, sealed grants, and audit state used by
// the authorization control plane.
package sqlite
