// Package storage is joinbot's durable state: channels, their work items,
// the account registry and the account x channel dedup ledger.
//
// The only backend is an embedded SQLite file (modernc.org/sqlite, no cgo).
// A single connection is kept open so every write is serialized.
package storage
