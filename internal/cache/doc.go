// Package cache defines the versioned partition storage used by the worker:
// a Storage holds named partitions (static, dynamic, images) whose names embed
// the cache version, and each Partition maps a normalized GET request key to a
// stored response (status, headers, body). Two backends are provided: a
// disk-backed store that writes <StoragePath>/<partition>/<sha1(key)>.{body,meta}
// with temp file + rename semantics, and an in-memory store for tests and
// ephemeral deployments. Strategies depend on the interfaces only and never
// implement their own locking; both backends make put/match atomic per key.
package cache
