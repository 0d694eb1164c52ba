package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tebstrack-io/tebstrack/internal/models"
)

// MemoryTicketRepository is an in-memory TicketStore for tests and
// local development.
type MemoryTicketRepository struct {
	mu       sync.RWMutex
	tickets  map[int64]*models.Ticket
	messages map[int64]*models.EmailMessage
	nextID   int64
}

func NewMemoryTicketRepository() *MemoryTicketRepository {
	return &MemoryTicketRepository{
		tickets:  make(map[int64]*models.Ticket),
		messages: make(map[int64]*models.EmailMessage),
		nextID:   1,
	}
}

func (r *MemoryTicketRepository) FindTicketByThread(_ context.Context, threadID string) (*models.Ticket, error) {
	if threadID == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *models.Ticket
	for _, t := range r.tickets {
		if t.ThreadID == threadID && (found == nil || t.ID > found.ID) {
			found = t
		}
	}
	if found == nil {
		return nil, nil
	}
	copied := *found
	return &copied, nil
}

func (r *MemoryTicketRepository) MessageExists(_ context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages {
		if m.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryTicketRepository) CreateTicketWithMessage(ctx context.Context, ticket *models.Ticket, msg *models.EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUnique(msg.MessageID); err != nil {
		return err
	}
	ticket.ID = r.nextID
	r.nextID++
	stored := *ticket
	r.tickets[stored.ID] = &stored
	msg.TicketID = stored.ID
	return r.storeMessage(msg)
}

func (r *MemoryTicketRepository) AppendMessage(_ context.Context, msg *models.EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUnique(msg.MessageID); err != nil {
		return err
	}
	return r.storeMessage(msg)
}

func (r *MemoryTicketRepository) MessagesByThread(_ context.Context, threadID string) ([]*models.EmailMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var msgs []*models.EmailMessage
	for _, m := range r.messages {
		if m.ThreadID == threadID {
			copied := *m
			msgs = append(msgs, &copied)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].SentAt.After(msgs[j].SentAt)
		}
		return msgs[i].ID > msgs[j].ID
	})
	return msgs, nil
}

// UpdateTicketStatus exists for tests exercising soft-delete behavior.
func (r *MemoryTicketRepository) UpdateTicketStatus(ticketID int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %d not found", ticketID)
	}
	t.Status = status
	return nil
}

// TicketCount reports stored tickets, for test assertions.
func (r *MemoryTicketRepository) TicketCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tickets)
}

// MessageCount reports stored messages, for test assertions.
func (r *MemoryTicketRepository) MessageCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

func (r *MemoryTicketRepository) checkUnique(messageID string) error {
	if messageID == "" {
		return nil
	}
	for _, m := range r.messages {
		if m.MessageID == messageID {
			return fmt.Errorf("message %s: %w", messageID, ErrDuplicateMessage)
		}
	}
	return nil
}

func (r *MemoryTicketRepository) storeMessage(msg *models.EmailMessage) error {
	msg.ID = r.nextID
	r.nextID++
	stored := *msg
	r.messages[stored.ID] = &stored
	return nil
}
