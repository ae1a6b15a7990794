// Package dedupe suppresses redelivered chat messages.
//
// A Cache remembers message keys for a TTL window and a bounded number of
// entries. The message source claims a key before persisting a message and
// releases it again if persistence fails, so only a successfully stored
// message blocks its redelivery.
package dedupe
