package message

import (
	"time"

	"github.com/eltociear/flower/pkg/record"
	"github.com/google/uuid"
)

// Type tags the intent of a message.
type Type string

const (
	TypeFit           Type = "fit"
	TypeEvaluate      Type = "evaluate"
	TypeGetParameters Type = "get-parameters"
	TypeGetProperties Type = "get-properties"
)

// Metadata is the envelope of a message.
type Metadata struct {
	RunID          int64
	MessageID      string
	GroupID        string
	SrcNodeID      int64
	DstNodeID      int64
	ReplyToMessage string
	TTL            time.Duration
	MessageType    Type
}

// Message pairs a record set payload with its envelope.
type Message struct {
	Metadata Metadata
	Content  *record.RecordSet
}

// New creates a message with a fresh message id.
func New(meta Metadata, content *record.RecordSet) *Message {
	if meta.MessageID == "" {
		meta.MessageID = uuid.New().String()
	}
	if content == nil {
		content = record.NewRecordSet()
	}
	return &Message{Metadata: meta, Content: content}
}

// CreateReply builds the response to this message: source and destination
// are inverted, run, group and type are carried over, and the reply links
// back to the originating message id.
func (m *Message) CreateReply(content *record.RecordSet) *Message {
	return New(Metadata{
		RunID:          m.Metadata.RunID,
		GroupID:        m.Metadata.GroupID,
		SrcNodeID:      m.Metadata.DstNodeID,
		DstNodeID:      m.Metadata.SrcNodeID,
		ReplyToMessage: m.Metadata.MessageID,
		TTL:            m.Metadata.TTL,
		MessageType:    m.Metadata.MessageType,
	}, content)
}
