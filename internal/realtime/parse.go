package realtime

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/syncerr"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed events.schema.json
var eventsSchema []byte

const schemaURL = "https://msgsync.local/schemas/events.schema.json"

// Frame is the envelope of every message on the channel, in both directions.
type Frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Parser validates inbound frames against the event schema and decodes
// them into Events.
type Parser struct {
	schema *jsonschema.Schema
}

// NewParser compiles the embedded event schema.
func NewParser() (*Parser, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventsSchema))
	if err != nil {
		return nil, fmt.Errorf("decode event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Parser{schema: sch}, nil
}

var defaultParser = sync.OnceValues(NewParser)

// Parse validates and decodes one inbound frame with the default parser.
func Parse(data []byte) (Event, error) {
	p, err := defaultParser()
	if err != nil {
		return nil, err
	}
	return p.Parse(data)
}

// Parse validates and decodes one inbound frame. Every failure wraps
// syncerr.ErrMalformedEvent.
func (p *Parser) Parse(data []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, malformed("decode frame", err)
	}
	if err := p.schema.Validate(inst); err != nil {
		return nil, malformed("validate frame", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, malformed("decode frame", err)
	}
	switch Kind(f.Type) {
	case KindMessageNew:
		var m remote.WireMessage
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, malformed(f.Type, err)
		}
		return MessageNew{ConversationID: f.ConversationID, Message: m}, nil
	case KindMessageRead:
		var d struct {
			MessageID string    `json:"messageId"`
			ReaderID  string    `json:"readerId"`
			ReadAt    time.Time `json:"readAt"`
		}
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, malformed(f.Type, err)
		}
		return MessageRead{ConversationID: f.ConversationID, MessageID: d.MessageID, ReaderID: d.ReaderID, ReadAt: d.ReadAt}, nil
	case KindAllRead:
		var d struct {
			ReaderID string    `json:"readerId"`
			ReadAt   time.Time `json:"readAt"`
		}
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, malformed(f.Type, err)
		}
		return AllRead{ConversationID: f.ConversationID, ReaderID: d.ReaderID, ReadAt: d.ReadAt}, nil
	case KindMessageDeleted:
		var d struct {
			MessageID string    `json:"messageId"`
			DeletedAt time.Time `json:"deletedAt"`
		}
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, malformed(f.Type, err)
		}
		return MessageDeleted{ConversationID: f.ConversationID, MessageID: d.MessageID, DeletedAt: d.DeletedAt}, nil
	case KindConversationCleared:
		var d struct {
			ClearedAt time.Time `json:"clearedAt"`
		}
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &d); err != nil {
				return nil, malformed(f.Type, err)
			}
		}
		return ConversationCleared{ConversationID: f.ConversationID, ClearedAt: d.ClearedAt}, nil
	}
	return nil, malformed("unknown type "+f.Type, nil)
}

func malformed(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", syncerr.ErrMalformedEvent, what)
	}
	return fmt.Errorf("%w: %s: %v", syncerr.ErrMalformedEvent, what, err)
}
