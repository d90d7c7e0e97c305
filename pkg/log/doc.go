// Package log provides structured logging for the simulation runtime:
// a zerolog root logger plus derivation helpers for component scope and
// the (run, node, task) triple of one task execution.
package log
