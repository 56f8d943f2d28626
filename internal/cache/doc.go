// Package cache implements the named-bucket response cache consumed by the
// offline worker. A Storage owns buckets by name; a Bucket maps request
// identity (method + URL) to a fully buffered response. Two drivers exist:
// an afero-backed directory tree (temp file + rename, per-entry locks) and a
// bbolt database where each cache bucket is a bolt bucket. Both share the
// msgpack entry envelope, with optional zstd compression of large bodies.
package cache
