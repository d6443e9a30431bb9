// Package store persists conversations and queued messages as JSON
// documents on disk. The Store interface is what the session registry and
// queue scheduler program against; FileStore is the only implementation.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Conversation is a logical chat bound to a working directory. It may span
// several engine sessions; SessionIDs records them in assignment order and
// SessionID is the most recent (used for --resume).
type Conversation struct {
	ID           string    `json:"id"`
	Folder       string    `json:"folder"`
	Title        string    `json:"title,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	SessionIDs   []string  `json:"session_ids,omitempty"`
	AllowedTools []string  `json:"allowed_tools,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AppendSessionID records a newly assigned engine session id.
func (c *Conversation) AppendSessionID(id string) {
	c.SessionID = id
	c.SessionIDs = append(c.SessionIDs, id)
}

// QueueStatus is the lifecycle state of a queued message.
type QueueStatus string

const (
	StatusDraft     QueueStatus = "draft"
	StatusPending   QueueStatus = "pending"
	StatusRunning   QueueStatus = "running"
	StatusCompleted QueueStatus = "completed"
	StatusFailed    QueueStatus = "failed"
)

// QueueItem is a message awaiting scheduled delivery. An empty
// ConversationID means "create a new conversation when this fires", using
// Folder and AllowedTools for the new conversation.
type QueueItem struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Folder         string      `json:"folder,omitempty"`
	AllowedTools   []string    `json:"allowed_tools,omitempty"`
	Message        string      `json:"message"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	Status         QueueStatus `json:"status"`
	RetryCount     int         `json:"retry_count"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Store is the persistence collaborator. Implementations provide at least
// read-committed semantics per record; there are no cross-record
// transactions.
type Store interface {
	GetConversation(id string) (*Conversation, error)
	CreateConversation(c *Conversation) error
	UpdateConversation(id string, mutate func(*Conversation)) error
	ListConversations() ([]*Conversation, error)

	GetQueueItem(id string) (*QueueItem, error)
	CreateQueueItem(item *QueueItem) error
	UpdateQueueItem(id string, mutate func(*QueueItem)) error
	DeleteQueueItem(id string) error
	ListQueueItems() ([]*QueueItem, error)

	// DueQueueItems returns up to limit pending items whose scheduled time
	// is at or before now, ordered by scheduled time ascending.
	DueQueueItems(now time.Time, limit int) ([]*QueueItem, error)
}
