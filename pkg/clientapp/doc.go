// Package clientapp defines the client-application callable, the mod
// middleware chain around it, and the registry executors load
// applications from.
package clientapp
