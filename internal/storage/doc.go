// Package storage persists account credentials, serialized sessions, and
// per-account recruit schedules, and implements the atomic claim/release
// protocol all cross-worker coordination goes through.
package storage
