// Package metrics exposes Prometheus collectors for the engine, store
// and round driver.
package metrics
