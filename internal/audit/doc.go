// Package audit records every consent gating decision to the durable,
// append-only audit trail and mirrors it to the structured log.
package audit
