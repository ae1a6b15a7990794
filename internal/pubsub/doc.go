// Package pubsub provides an in-memory, per-key fan-out broadcaster.
//
// Subscribers register for a key and receive every value published to that
// key in publish order. Publish never blocks: a subscriber whose buffer is
// full misses the value and the drop is logged.
package pubsub
