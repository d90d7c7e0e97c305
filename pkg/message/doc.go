// Package message defines the in-memory message exchanged between the
// engine and client applications: a record set payload plus envelope
// metadata, and the status convention for result payloads.
package message
