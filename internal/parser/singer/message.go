// Package singer decodes the Singer line protocol (one JSON message per line)
// into typed messages.
package singer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Type is the "type" field of a Singer message.
type Type string

const (
	TypeSchema          Type = "SCHEMA"
	TypeRecord          Type = "RECORD"
	TypeState           Type = "STATE"
	TypeActivateVersion Type = "ACTIVATE_VERSION"
	// TypeFlush is a control message asking the target to flush every stream.
	TypeFlush Type = "FLUSH"
)

// Message is one decoded protocol line. Only the fields relevant to Type are set.
type Message struct {
	Type   Type
	Stream string

	// SCHEMA
	Schema        json.RawMessage
	KeyProperties []string

	// RECORD. Numbers decode as json.Number so integer precision survives.
	Record        map[string]any
	TimeExtracted string

	// STATE
	Value json.RawMessage

	// Line is the 1-based input line number, Size the raw line length in bytes.
	Line int
	Size int
}

type wireMessage struct {
	Type          string          `json:"type"`
	Stream        string          `json:"stream"`
	Schema        json.RawMessage `json:"schema"`
	KeyProperties []string        `json:"key_properties"`
	Record        map[string]any  `json:"record"`
	TimeExtracted string          `json:"time_extracted"`
	Value         json.RawMessage `json:"value"`
}

// ErrUnknownType is returned for messages whose type the target does not handle.
var ErrUnknownType = errors.New("singer: unknown message type")

// Decode parses a single protocol line.
//
// Errors:
//   - malformed JSON
//   - missing or unknown "type"
//   - SCHEMA/RECORD without "stream", SCHEMA without "schema", STATE without "value"
func Decode(line []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return Message{}, fmt.Errorf("singer: decode: %w", err)
	}

	m := Message{
		Type:          Type(strings.ToUpper(strings.TrimSpace(w.Type))),
		Stream:        w.Stream,
		Schema:        w.Schema,
		KeyProperties: w.KeyProperties,
		Record:        w.Record,
		TimeExtracted: w.TimeExtracted,
		Value:         w.Value,
		Size:          len(line),
	}

	switch m.Type {
	case TypeSchema:
		if m.Stream == "" {
			return Message{}, errors.New("singer: SCHEMA message without stream")
		}
		if len(m.Schema) == 0 || isNull(m.Schema) {
			return Message{}, fmt.Errorf("singer: SCHEMA message for %s without schema", m.Stream)
		}
	case TypeRecord:
		if m.Stream == "" {
			return Message{}, errors.New("singer: RECORD message without stream")
		}
		if m.Record == nil {
			m.Record = map[string]any{}
		}
	case TypeState:
		if len(m.Value) == 0 {
			return Message{}, errors.New("singer: STATE message without value")
		}
	case TypeActivateVersion, TypeFlush:
	case "":
		return Message{}, errors.New("singer: message without type")
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	return m, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
