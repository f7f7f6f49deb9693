// Package wire defines the JSON frames exchanged over a document connection.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabtext/internal/ot"
)

// Message types. Every frame carries one of these in its "type" field.
const (
	TypeInit               = "init"               // server -> client
	TypeOperation          = "operation"          // both
	TypeClientCount        = "clientCount"        // server -> client
	TypeDocumentListUpdate = "documentListUpdate" // server -> client
	TypeResync             = "resync"             // client -> server
	TypeError              = "error"              // server -> client
)

// ErrMalformed is returned by Decode for frames that cannot be used.
var ErrMalformed = errors.New("malformed message")

// Message is the envelope for every frame. Which fields are set depends on
// Type.
type Message struct {
	Type       string        `json:"type"`
	Content    string        `json:"content,omitempty"`
	UserID     string        `json:"userId,omitempty"`
	Operation  *ot.Operation `json:"operation,omitempty"`
	Count      int           `json:"count,omitempty"`
	RoomCode   string        `json:"roomCode,omitempty"`
	DocumentID int           `json:"documentId,omitempty"`
	Version    int64         `json:"version,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// Init is the authoritative snapshot sent on (re)connect.
func Init(content string, count int, userID string, version int64) Message {
	return Message{Type: TypeInit, Content: content, Count: count, UserID: userID, Version: version}
}

// Operation wraps an edit. Clients leave userID and version empty; the
// sequencer fills both in when it broadcasts.
func Operation(op ot.Operation, docID int, userID string, version int64) Message {
	return Message{Type: TypeOperation, Operation: &op, DocumentID: docID, UserID: userID, Version: version}
}

func ClientCount(count int) Message {
	return Message{Type: TypeClientCount, Count: count}
}

func DocumentListUpdate() Message {
	return Message{Type: TypeDocumentListUpdate}
}

func Resync(docID int) Message {
	return Message{Type: TypeResync, DocumentID: docID}
}

func Error(msg string) Message {
	return Message{Type: TypeError, Message: msg}
}

// Encode marshals m. Message only holds plain values so this cannot fail in
// practice; the error is still returned to keep callers honest.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// MustEncode is Encode for messages built by this package's constructors.
func MustEncode(m Message) []byte {
	buf, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("wire: encoding %s: %v", m.Type, err))
	}
	return buf
}

// Decode parses a frame and checks the fields its type requires.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeOperation:
		if m.Operation == nil {
			return Message{}, fmt.Errorf("%w: operation frame without operation", ErrMalformed)
		}
		if err := m.Operation.Validate(); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return m, nil
}
