// Package storage persists pull requests, the ping history and the relay
// dedup state.
//
// Backends: memory, file (JSON snapshot + journal), sqlite (modernc) and
// postgres (pgx). All of them implement Store.
package storage
