// Package partitioner assigns dataset row indices to node partitions.
// Assignments are materialized lazily on first access, deterministic per
// seed, and immutable once built.
package partitioner
