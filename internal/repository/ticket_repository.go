package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/tebstrack-io/tebstrack/internal/database"
	"github.com/tebstrack-io/tebstrack/internal/models"
)

// TicketRepository is the SQL-backed TicketStore.
type TicketRepository struct {
	db     *sql.DB
	driver string
}

// NewTicketRepository wraps the connection. The driver name selects
// placeholder and last-insert-id handling.
func NewTicketRepository(db *sql.DB, driver string) *TicketRepository {
	return &TicketRepository{db: db, driver: driver}
}

func (r *TicketRepository) FindTicketByThread(ctx context.Context, threadID string) (*models.Ticket, error) {
	if threadID == "" {
		return nil, nil
	}
	query := database.ConvertPlaceholders(r.driver, `
		SELECT id, subject, description, sender, category, urgency, status,
			resolution, thread_id, assigned_to, created_at, updated_at
		FROM tickets
		WHERE thread_id = $1
		ORDER BY id DESC
		LIMIT 1`)
	ticket := &models.Ticket{}
	var resolution, description sql.NullString
	err := r.db.QueryRowContext(ctx, query, threadID).Scan(
		&ticket.ID,
		&ticket.Subject,
		&description,
		&ticket.Sender,
		&ticket.Category,
		&ticket.Urgency,
		&ticket.Status,
		&resolution,
		&ticket.ThreadID,
		&ticket.AssignedTo,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ticket by thread: %w", err)
	}
	ticket.Description = description.String
	ticket.Resolution = resolution.String
	return ticket, nil
}

func (r *TicketRepository) MessageExists(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	query := database.ConvertPlaceholders(r.driver,
		`SELECT 1 FROM email_messages WHERE message_id = $1 LIMIT 1`)
	var one int
	err := r.db.QueryRowContext(ctx, query, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return true, nil
}

func (r *TicketRepository) CreateTicketWithMessage(ctx context.Context, ticket *models.Ticket, msg *models.EmailMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ticketID, err := r.insertTicket(ctx, tx, ticket)
	if err != nil {
		return err
	}
	ticket.ID = ticketID
	msg.TicketID = ticketID
	if err := r.insertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ticket creation: %w", err)
	}
	return nil
}

func (r *TicketRepository) AppendMessage(ctx context.Context, msg *models.EmailMessage) error {
	return r.insertMessage(ctx, r.db, msg)
}

func (r *TicketRepository) MessagesByThread(ctx context.Context, threadID string) ([]*models.EmailMessage, error) {
	query := database.ConvertPlaceholders(r.driver, `
		SELECT id, ticket_id, thread_id, sender, subject, body, sent_at,
			attachments, message_id, in_reply_to
		FROM email_messages
		WHERE thread_id = $1
		ORDER BY sent_at DESC, id DESC`)
	rows, err := r.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.EmailMessage
	for rows.Next() {
		msg := &models.EmailMessage{}
		var attachments, body, sender, subject, messageID, inReplyTo sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(
			&msg.ID,
			&msg.TicketID,
			&msg.ThreadID,
			&sender,
			&subject,
			&body,
			&sentAt,
			&attachments,
			&messageID,
			&inReplyTo,
		); err != nil {
			return nil, fmt.Errorf("failed to scan thread message: %w", err)
		}
		msg.Sender = sender.String
		msg.Subject = subject.String
		msg.Body = body.String
		msg.SentAt = sentAt.Time
		msg.MessageID = messageID.String
		msg.InReplyTo = inReplyTo.String
		if err := msg.UnmarshalAttachments(attachments.String); err != nil {
			return nil, fmt.Errorf("failed to decode attachments for message %d: %w", msg.ID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *TicketRepository) insertTicket(ctx context.Context, ex execer, ticket *models.Ticket) (int64, error) {
	now := time.Now().UTC()
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	if ticket.UpdatedAt.IsZero() {
		ticket.UpdatedAt = now
	}
	if r.driver == "postgres" {
		query := `
			INSERT INTO tickets (subject, description, sender, category, urgency,
				status, resolution, thread_id, assigned_to, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`
		var id int64
		if err := ex.QueryRowContext(ctx, query,
			ticket.Subject, ticket.Description, ticket.Sender, ticket.Category,
			ticket.Urgency, ticket.Status, ticket.Resolution, ticket.ThreadID,
			ticket.AssignedTo, ticket.CreatedAt, ticket.UpdatedAt,
		).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to create ticket: %w", err)
		}
		return id, nil
	}
	query := database.ConvertPlaceholders(r.driver, `
		INSERT INTO tickets (subject, description, sender, category, urgency,
			status, resolution, thread_id, assigned_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	res, err := ex.ExecContext(ctx, query,
		ticket.Subject, ticket.Description, ticket.Sender, ticket.Category,
		ticket.Urgency, ticket.Status, ticket.Resolution, ticket.ThreadID,
		ticket.AssignedTo, ticket.CreatedAt, ticket.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create ticket: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read ticket id: %w", err)
	}
	return id, nil
}

func (r *TicketRepository) insertMessage(ctx context.Context, ex execer, msg *models.EmailMessage) error {
	attachments, err := msg.MarshalAttachments()
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	query := database.ConvertPlaceholders(r.driver, `
		INSERT INTO email_messages (ticket_id, thread_id, sender, subject, body,
			sent_at, attachments, message_id, in_reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if _, err := ex.ExecContext(ctx, query,
		msg.TicketID, msg.ThreadID, msg.Sender, msg.Subject, msg.Body,
		msg.SentAt, nullable(attachments), nullable(msg.MessageID), nullable(msg.InReplyTo),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", msg.MessageID, ErrDuplicateMessage)
		}
		return fmt.Errorf("failed to insert email message: %w", err)
	}
	return nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// isUniqueViolation recognizes the unique-index error of each driver.
func isUniqueViolation(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
