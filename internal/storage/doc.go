// Package storage implements the time-partitioned append store.
//
// The store:
//   - Fans each published tick out to the enabled (encoding x schema) backends
//   - Writes append-only hour partitions under <root>/<encoding>/<schema>/<cid>/<tt>/
//   - Batches writes per backend, flushing on size or interval, fsyncing on rotate
//   - Parks failed writes in a bounded retry ring instead of blocking the publisher
//   - Serves bounded range queries lazily, merged across tick types by broker time
//
// Encodings are JSONL (newline-framed) and length-prefixed binary; schemas
// are v2 (verbose) and v3 (compact, canonical). Readers of a partition
// being written skip a truncated trailing record and count it.
package storage
