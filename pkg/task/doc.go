// Package task defines the durable instruction and result envelopes held
// by the state store, and their conversions to and from messages.
package task
