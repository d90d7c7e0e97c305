// Package store implements the task state store: a per-node FIFO queue
// of instructions and a one-shot result sink, with in-memory and
// BoltDB-backed implementations.
package store
