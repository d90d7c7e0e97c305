// Package engine implements the virtual client engine: a pull loop that
// drains the task store and per-actor workers that execute instructions
// against the client application, preserving per-node context across
// rounds.
package engine
