// Package api owns the probectl wire envelope.
//
// Ownership boundary:
// - request envelope parse/encode
//
// - response envelope (success/error) parse/encode
//
// - error kinds and their wire codes
//
// Framing: one JSON object per message, no length prefix. A single read is a
// single message and is capped at MaxMessageSize bytes, so a request or
// response larger than the cap cannot be exchanged. Receivers never reassemble
// a message from several reads.
package api
