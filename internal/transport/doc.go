// Package transport tells the chat delivery path whether a conversation may
// send messages.
//
// Gate is the in-process allow list the message source consults before
// accepting a message. Matrix mirrors the same decision onto a Matrix room
// by raising the room's events_default power level. Multi fans one
// decision out to several transports.
package transport
