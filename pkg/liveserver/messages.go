package liveserver

// Message is one event pushed to websocket clients
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Event types published by the executor
const (
	TypeStatus = "status"
	TypeTick   = "tick"
)

// NewMessage builds a message
func NewMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Data: data}
}
