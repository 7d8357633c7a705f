// Package cache defines the versioned response store. A Storage holds many
// named Stores, one per deployment generation (prefix + version tag); each
// Store maps a GET request identity to an immutable response Snapshot.
// Backends: fs (StoragePath/<store>/<sha1(key)> files written via temp file +
// rename), sqlite (modernc.org/sqlite) and memory. The lifecycle package
// creates and reaps stores; the policy engine matches and puts entries.
package cache
