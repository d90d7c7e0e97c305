// Package events distributes engine lifecycle, task and round events to
// kind-filtered subscriptions with non-blocking, loss-counted delivery.
package events
