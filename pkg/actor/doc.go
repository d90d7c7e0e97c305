// Package actor implements the bounded pool of isolated executors that
// run the client application on incoming messages.
package actor
