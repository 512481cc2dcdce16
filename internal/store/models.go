package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Role values for messages. Tool activity is attached to the assistant
// message that triggered it; there is no separate tool role in storage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Priority levels for tasks.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// ValidPriority reports whether s is a recognized priority level.
func ValidPriority(s string) bool {
	return s == PriorityLow || s == PriorityNormal || s == PriorityHigh
}

// Conversation is a chat container owned by exactly one user for its
// entire lifetime. updated_at is bumped on every appended message so
// listings can order by recent activity.
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Title     string    `gorm:"size:200" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

// Message is one entry in a conversation's append-only history. Content
// is never mutated after creation; deletion happens only via the parent
// conversation's cascade.
type Message struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ConversationID uint   `gorm:"not null;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	Role           string `gorm:"size:20;not null" json:"role"`
	Content        string `gorm:"not null" json:"content"`

	// ToolCalls holds the audit trail of tool executions for assistant
	// messages, serialized as a JSON array of ToolCallRecord.
	ToolCalls datatypes.JSON `json:"tool_calls,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`
}

// ToolCallRecord is one fixed-shape entry in an assistant message's
// tool-call log. The shape is deliberately closed (no open-ended map)
// so the audit trail stays independently queryable.
type ToolCallRecord struct {
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments"`
	Result     string          `json:"result"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMS int64           `json:"duration_ms"`
	Status     string          `json:"status"` // "success" or "error"
}

// EncodeToolCalls serializes tool call records for storage on a message.
// Returns nil for an empty log so user messages keep a NULL column.
func EncodeToolCalls(records []ToolCallRecord) (datatypes.JSON, error) {
	if len(records) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// DecodeToolCalls parses a message's stored tool-call log.
func DecodeToolCalls(raw datatypes.JSON) ([]ToolCallRecord, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []ToolCallRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Task is a to-do item owned by one user. The agent reads and writes
// tasks only through the tool executor, which owner-scopes every query.
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	Description string     `gorm:"size:1000" json:"description,omitempty"`
	Completed   bool       `gorm:"not null;default:false;index" json:"completed"`
	Priority    string     `gorm:"size:10;not null;default:normal" json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
