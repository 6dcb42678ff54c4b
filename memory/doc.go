// Package memory keeps a searchable index of memory cards for each character.
//
// Architecture:
//   - RecordStore: source of truth for a character's cards (read-only here)
//   - Embedder: shared text-to-vector provider (see memory/embedder)
//   - Manager: per-character index lifecycle, persistence and search
//
// Lifecycle:
//   - LoadOrCreate fingerprints the current cards and reuses the in-memory or
//     persisted index when it still matches; otherwise it rebuilds
//   - Rebuild embeds every card, persists the snapshot and swaps it in
//   - Load and rebuild for one character share a single in-flight operation
//
// Search never fails the caller. An unready provider, a missing index or a
// timeout all yield an empty result, and the reason is logged.
package memory
