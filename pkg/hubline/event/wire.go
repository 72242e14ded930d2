package event

// Message kinds for the websocket variant of the subscribe endpoint.
// These correspond to the "k" field of a WireMessage.
const (
	// Client to hub
	KindSubscribe   = "s" // add a topic to the connection
	KindUnsubscribe = "u" // remove a topic from the connection

	// Hub to client
	KindAck  = "a"
	KindNack = "n"

	// Events carry no kind, only "t" and "d"
	KindEvent = ""
)

// WireMessage is the JSON frame exchanged on websocket connections.
// Short field names keep frames small.
type WireMessage struct {
	Kind  string `json:"k,omitempty"`
	Topic string `json:"t,omitempty"`
	Data  *Event `json:"d,omitempty"`
	Id    any    `json:"i,omitempty"`
	Error string `json:"e,omitempty"`
}
