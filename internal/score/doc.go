// Package score defines the ScoreSnapshot value produced by a consent
// analyzer and the validation rules every snapshot must pass before the
// gating engine acts on it.
//
// Snapshots are plain values. They are never mutated after validation; the
// store appends them to a conversation's history in evaluation order.
package score
