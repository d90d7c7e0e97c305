// Package record implements the typed key-value containers that make up
// a message payload: parameters, metrics and configs records grouped
// into a RecordSet.
package record
