// Package analyzer provides Score Analyzer implementations.
//
// An Analyzer evaluates a conversation's accumulated messages and returns a
// score.Snapshot. Lexicon is a local rule-based analyzer that counts
// affirmative and refusal phrases. HTTP delegates to a remote classifier.
// Monitors treat analyzers as opaque and validate whatever they return.
package analyzer
