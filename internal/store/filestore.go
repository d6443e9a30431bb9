package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tevanoff/courier/internal/fsutil"
)

const (
	conversationsDir = "conversations"
	queueDir         = "queue"
)

// FileStore keeps one JSON document per record under a data directory:
//
//	<root>/conversations/<id>.json
//	<root>/queue/<id>.json
//
// Writes are atomic (tmp + fsync + rename). A single mutex serializes all
// operations; record volume is small and contention is negligible.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates the data directory layout if needed.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{conversationsDir, queueDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) conversationPath(id string) string {
	return filepath.Join(s.root, conversationsDir, id+".json")
}

func (s *FileStore) queuePath(id string) string {
	return filepath.Join(s.root, queueDir, id+".json")
}

func (s *FileStore) GetConversation(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readConversation(id)
}

func (s *FileStore) readConversation(id string) (*Conversation, error) {
	var c Conversation
	if err := fsutil.ReadJSON(s.conversationPath(id), &c); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (s *FileStore) CreateConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if _, err := os.Stat(s.conversationPath(c.ID)); err == nil {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	return fsutil.AtomicWriteJSON(s.conversationPath(c.ID), c)
}

func (s *FileStore) UpdateConversation(id string, mutate func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.readConversation(id)
	if err != nil {
		return err
	}

	mutate(c)
	c.UpdatedAt = time.Now().UTC()

	return fsutil.AtomicWriteJSON(s.conversationPath(id), c)
}

func (s *FileStore) ListConversations() ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.recordIDs(conversationsDir)
	if err != nil {
		return nil, err
	}

	conversations := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.readConversation(id)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.Before(conversations[j].CreatedAt)
	})
	return conversations, nil
}

func (s *FileStore) GetQueueItem(id string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readQueueItem(id)
}

func (s *FileStore) readQueueItem(id string) (*QueueItem, error) {
	var item QueueItem
	if err := fsutil.ReadJSON(s.queuePath(id), &item); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &item, nil
}

func (s *FileStore) CreateQueueItem(item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		return fmt.Errorf("queue item id is required")
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	return fsutil.AtomicWriteJSON(s.queuePath(item.ID), item)
}

func (s *FileStore) UpdateQueueItem(id string, mutate func(*QueueItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.readQueueItem(id)
	if err != nil {
		return err
	}

	mutate(item)

	return fsutil.AtomicWriteJSON(s.queuePath(id), item)
}

func (s *FileStore) DeleteQueueItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.queuePath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("queue item %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *FileStore) ListQueueItems() ([]*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listQueueItems()
}

func (s *FileStore) listQueueItems() ([]*QueueItem, error) {
	ids, err := s.recordIDs(queueDir)
	if err != nil {
		return nil, err
	}

	items := make([]*QueueItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.readQueueItem(id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].ScheduledAt.Before(items[j].ScheduledAt)
	})
	return items, nil
}

func (s *FileStore) DueQueueItems(now time.Time, limit int) ([]*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.listQueueItems()
	if err != nil {
		return nil, err
	}

	due := make([]*QueueItem, 0, limit)
	for _, item := range items {
		if item.Status != StatusPending || item.ScheduledAt.After(now) {
			continue
		}
		due = append(due, item)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

// recordIDs lists record ids (file basenames without extension) in a
// subdirectory, skipping temp files from in-flight atomic writes.
func (s *FileStore) recordIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

var _ Store = (*FileStore)(nil)
