package gateway

// Frames are JSON text messages. Event bodies are the broker's bencoded bytes, base64 encoded by encoding/json.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPing        = "ping"

	TypeEvent        = "event"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypePong         = "pong"
)

// Request is sent by clients.
type Request struct {
	Op      string `json:"op"`
	Channel string `json:"channel,omitempty"`
}

// Frame is sent to clients.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Name    string `json:"name,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Body    []byte `json:"body,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}
