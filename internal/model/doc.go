// Package model defines the tick schemas shared across the IB Stream gateway.
//
// Two isomorphic JSON shapes exist for every tick:
//   - compact (v3): short field names, canonical on disk and in process
//   - verbose (v2): long field names inside a typed envelope, used on the
//     wire and for legacy storage
//
// Conventions:
//   - Timestamps: uint64 microseconds since Unix epoch (ts = broker event
//     time, st = system receive time)
//   - Contract ids (cid) and request ids (rid) are uint32 and preserved
//     from the broker; rids are never regenerated or rehashed
//   - Optional booleans are omitted from JSON when false; optional numerics
//     are pointers so absent values never serialize as zero
package model
