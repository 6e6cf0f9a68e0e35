package gateway

import "encoding/json"

const protocolVersion = 1

// Event names on the server→client side of the session protocol.
const (
	EventConnected    = "connected"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventProducts     = "products"
	EventUnderlying   = "underlying_update"
	EventChainSummary = "chain_summary"
	EventChainUpdate  = "chain_update"
	EventError        = "error"
)

// Actions on the client→server side.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionGetProducts = "get_products"
)

// Room names.
const (
	RoomGeneral = "general"
)

func roomProduct(p string) string { return "product:" + p }
func roomChain(p string) string   { return "chain:" + p }

// ClientFrame is a parsed client request.
type ClientFrame struct {
	Action string `json:"action"`
	Kind   string `json:"kind,omitempty"`   // "product" | "chain"
	Symbol string `json:"symbol,omitempty"` // product identifier
}

// ServerFrame is one event delivered to a session. Data carries the payload
// for update events; the remaining fields serve the control events.
type ServerFrame struct {
	V        int             `json:"v"`
	Event    string          `json:"event"`
	ClientID string          `json:"client_id,omitempty"`
	Rooms    []string        `json:"rooms,omitempty"`
	Room     string          `json:"room,omitempty"`
	Products []string        `json:"products,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// outFrame pairs an encoded frame with its drop class. Control frames
// (connected, subscribed, unsubscribed, error, products) and snapshots are
// never shed by backpressure.
type outFrame struct {
	data    []byte
	control bool
}

func newServerFrame(event string) ServerFrame {
	return ServerFrame{V: protocolVersion, Event: event}
}

func encodeFrame(f ServerFrame, control bool) outFrame {
	data, _ := json.Marshal(f)
	return outFrame{data: data, control: control}
}

func dataFrame(event string, payload any) (outFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return outFrame{}, err
	}
	f := newServerFrame(event)
	f.Data = raw
	return encodeFrame(f, false), nil
}
