// Package strategy defines the per-round configure/aggregate protocol,
// a weighted-averaging reference implementation, and the server-side
// differential-privacy wrapper with fixed-norm clipping.
package strategy
