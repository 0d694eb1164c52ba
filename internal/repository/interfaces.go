// Package repository holds the persistence boundary between the
// ingestion pipeline and the ticket database.
package repository

import (
	"context"
	"errors"

	"github.com/tebstrack-io/tebstrack/internal/models"
)

// ErrDuplicateMessage is returned when a message with the same
// Message-ID is already stored. Concurrent duplicate processing relies
// on this being harmless.
var ErrDuplicateMessage = errors.New("message already stored")

// TicketStore is the ticket/message persistence boundary.
// FindTicketByThread returns (nil, nil) when no ticket exists.
type TicketStore interface {
	FindTicketByThread(ctx context.Context, threadID string) (*models.Ticket, error)
	MessageExists(ctx context.Context, messageID string) (bool, error)

	// CreateTicketWithMessage persists the ticket and its seeding
	// message as one transaction; a crash never leaves a ticket
	// without its first message.
	CreateTicketWithMessage(ctx context.Context, ticket *models.Ticket, msg *models.EmailMessage) error

	AppendMessage(ctx context.Context, msg *models.EmailMessage) error
	MessagesByThread(ctx context.Context, threadID string) ([]*models.EmailMessage, error)
}

// FetchStateStore is the per-mailbox cursor repository. Advance is
// monotonic: out-of-order calls never move the watermark backward.
type FetchStateStore interface {
	GetLastUID(ctx context.Context, mailbox string) (uint32, error)
	Advance(ctx context.Context, mailbox string, uid uint32, processed int) error

	// Reset deletes cursor rows; mailbox "" resets every mailbox.
	// The next fetch re-derives a starting point, relying on
	// Message-ID dedup to avoid duplicate tickets.
	Reset(ctx context.Context, mailbox string) error

	Stats(ctx context.Context) ([]models.FetchState, error)
}
