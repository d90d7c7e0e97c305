// Package nodestate keeps the per-node mutable context preserved across
// rounds, keyed by node and run.
package nodestate
