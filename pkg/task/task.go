package task

import (
	"time"

	"github.com/eltociear/flower/pkg/message"
	"github.com/eltociear/flower/pkg/record"
	"github.com/google/uuid"
)

// TaskIns is the store-resident form of an instruction addressed to a
// node.
type TaskIns struct {
	TaskID         string
	GroupID        string
	RunID          int64
	ProducerNodeID int64
	ConsumerNodeID int64
	TaskType       message.Type
	CreatedAt      time.Time
	TTL            time.Duration
	Recordset      *record.RecordSet
}

// TaskRes is the store-resident result satisfying one TaskIns, referenced
// through AncestryTaskID.
type TaskRes struct {
	TaskID         string
	GroupID        string
	RunID          int64
	ProducerNodeID int64
	ConsumerNodeID int64
	AncestryTaskID string
	TaskType       message.Type
	CreatedAt      time.Time
	Recordset      *record.RecordSet
}

// NewTaskIns wraps a message destined for consumerNodeID as a task
// instruction.
func NewTaskIns(msg *message.Message, producerNodeID, consumerNodeID int64) *TaskIns {
	return &TaskIns{
		TaskID:         uuid.New().String(),
		GroupID:        msg.Metadata.GroupID,
		RunID:          msg.Metadata.RunID,
		ProducerNodeID: producerNodeID,
		ConsumerNodeID: consumerNodeID,
		TaskType:       msg.Metadata.MessageType,
		CreatedAt:      time.Now(),
		TTL:            msg.Metadata.TTL,
		Recordset:      msg.Content,
	}
}

// MessageFromTaskIns decodes a task instruction into a message. The
// destination node id of the metadata receives partitionID, not the
// consumer node id: an identically-coded client application selects its
// data slice through this field.
func MessageFromTaskIns(ins *TaskIns, partitionID int64) *message.Message {
	content := ins.Recordset
	if content == nil {
		content = record.NewRecordSet()
	}
	return message.New(message.Metadata{
		RunID:       ins.RunID,
		MessageID:   ins.TaskID,
		GroupID:     ins.GroupID,
		SrcNodeID:   ins.ProducerNodeID,
		DstNodeID:   partitionID,
		TTL:         ins.TTL,
		MessageType: ins.TaskType,
	}, content)
}

// TaskResFromMessage embeds a reply message back into a task result. The
// producer node id is stamped by the caller; ancestry references the
// instruction this result satisfies.
func TaskResFromMessage(msg *message.Message, producerNodeID int64, ancestryTaskID string) *TaskRes {
	return &TaskRes{
		TaskID:         uuid.New().String(),
		GroupID:        msg.Metadata.GroupID,
		RunID:          msg.Metadata.RunID,
		ProducerNodeID: producerNodeID,
		ConsumerNodeID: msg.Metadata.DstNodeID,
		AncestryTaskID: ancestryTaskID,
		TaskType:       msg.Metadata.MessageType,
		CreatedAt:      time.Now(),
		Recordset:      msg.Content,
	}
}
