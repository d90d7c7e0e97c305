// Package server drives federated rounds: strategy-configured
// instructions flow into the task store, results flow back, and the
// strategy folds them into new global parameters.
package server
