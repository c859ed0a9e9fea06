// Package tunnelproto defines the JSON wire protocol exchanged between the
// relay and its tunnel clients over the WebSocket control channel.
package tunnelproto

// Frame types for heartbeat traffic.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Kind classifies an inbound control-channel frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindPong
	KindRequest
)

// Frame is the single envelope carried on the control channel. Heartbeats set
// only Type; tunneled requests carry ID/Method/URL/Headers/Body; tunneled
// responses carry ID/Status/Headers/Body. IDs are opaque strings minted by the
// relay and must be echoed back verbatim.
type Frame struct {
	Type    string            `json:"type,omitempty"`
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
}

// Kind classifies the frame. Heartbeat types win over field sniffing; a frame
// carrying both an id and a method is a tunneled request; everything else is
// unknown and gets dropped by the router.
func (f Frame) Kind() Kind {
	switch f.Type {
	case TypePong:
		return KindPong
	case TypePing:
		return KindPing
	}
	if f.ID != "" && f.Method != "" {
		return KindRequest
	}
	return KindUnknown
}

// Ping returns a heartbeat ping frame.
func Ping() Frame {
	return Frame{Type: TypePing}
}

// Pong returns a heartbeat pong frame.
func Pong() Frame {
	return Frame{Type: TypePong}
}

// NewBody wraps a body string for the nullable wire field.
func NewBody(s string) *string {
	return &s
}
