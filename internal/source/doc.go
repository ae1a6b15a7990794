// Package source is the message source: it accepts chat messages for
// monitored conversations, persists them, and streams them in order to
// subscribers such as conversation monitors.
package source
