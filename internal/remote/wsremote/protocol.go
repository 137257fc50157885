// Package wsremote exposes a remote.Store over WebSocket and provides a
// client that implements remote.Store against such a server.
//
// Every frame is a JSON text message. Requests carry an id and an op:
//
//	{"id":1,"op":"write","ref":"/notes","key":"abc","payload":{"text":"hi"}}
//
// The server answers each request with a frame carrying the same id:
//
//	{"id":1,"ok":true}
//
// Subscriptions push events tagged with the subscription id:
//
//	{"sub":3,"kind":"added","key":"abc","payload":{"text":"hi"}}
package wsremote

import "encoding/json"

// Operation names.
const (
	OpWrite       = "write"
	OpRemove      = "remove"
	OpRead        = "read"
	OpSnapshot    = "snapshot"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// frame is the single wire message shape. Which fields are set depends on
// the direction and purpose of the frame.
type frame struct {
	// Requests and responses.
	ID uint64 `json:"id,omitempty"`
	Op string `json:"op,omitempty"`

	Ref string `json:"ref,omitempty"`
	Key string `json:"key,omitempty"`

	// Subscription id: set on subscribe responses, unsubscribe requests and
	// pushed events.
	Sub uint64 `json:"sub,omitempty"`

	OK       bool                       `json:"ok,omitempty"`
	Error    string                     `json:"error,omitempty"`
	Found    bool                       `json:"found,omitempty"`
	Children map[string]json.RawMessage `json:"children,omitempty"`

	// Pushed events.
	Kind string `json:"kind,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

func (f *frame) isEvent() bool {
	return f.Kind != ""
}
