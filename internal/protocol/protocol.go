// Package protocol defines the JSON envelope exchanged over the WebSocket
// connection and the payloads carried by each named event.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Inbound event names (client to server).
const (
	EventCreateRoom  = "create_room"
	EventJoinRoom    = "join_room"
	EventSendMessage = "send_message"
)

// Outbound event names (server to client).
const (
	EventRoomCreated     = "room_created"
	EventUserCount       = "user_count"
	EventReceiveMessage  = "receive_message"
	EventConnectionError = "connection_error"
	EventHostInfo        = "host_info"
	EventAck             = "ack"
)

// PINLength is the number of decimal digits in a room PIN.
const PINLength = 6

// Envelope is the frame format in both directions. Ack is set by the client
// when it expects an acknowledgment and echoed back on the ack frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
}

// CreateRoomRequest is the payload of create_room.
type CreateRoomRequest struct {
	Limit Capacity `json:"limit"`
}

// JoinRoomRequest is the payload of join_room.
type JoinRoomRequest struct {
	PIN string `json:"pin"`
}

// ChatMessage is the payload of send_message and receive_message.
type ChatMessage struct {
	Autor   string `json:"autor"`
	Message string `json:"message"`
}

// Valid reports whether both the author and the body are present.
func (m ChatMessage) Valid() bool {
	return m.Autor != "" && m.Message != ""
}

// AckResponse answers create_room and join_room.
type AckResponse struct {
	Success bool   `json:"success"`
	PIN     string `json:"pin,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RoomCreated is sent to the creator only.
type RoomCreated struct {
	PIN   string `json:"pin"`
	Limit int    `json:"limit"`
}

// UserCount is the presence broadcast.
type UserCount struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// ConnectionError precedes a forced close.
type ConnectionError struct {
	Error string `json:"error"`
}

// HostInfo is informational and sent once after admission.
type HostInfo struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

// Capacity accepts either a JSON integer or a numeric string. Anything that
// is not an integer decodes to zero, which no room accepts.
type Capacity int

// UnmarshalJSON implements json.Unmarshaler.
func (c *Capacity) UnmarshalJSON(b []byte) error {
	*c = 0
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*c = Capacity(n)
		return nil
	}
	// Accept integral floats such as 5.0; reject 5.5.
	if f, err := strconv.ParseFloat(raw, 64); err == nil && f == float64(int(f)) {
		*c = Capacity(int(f))
	}
	return nil
}

// ValidPIN reports whether pin is exactly six decimal digits.
func ValidPIN(pin string) bool {
	if len(pin) != PINLength {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// Encode marshals an outbound event with the given payload.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// EncodeAck marshals an ack frame answering the request with the given id.
func EncodeAck(id uint64, resp AckResponse) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return json.Marshal(Envelope{Event: EventAck, Data: data, Ack: &id})
}

// Decode parses an inbound frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}
