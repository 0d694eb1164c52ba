package models

import "time"

// Ticket statuses. Deleted is a soft-delete sentinel: the row stays so
// that later mail on the same thread cannot resurrect the ticket.
const (
	StatusOpen    = "Open"
	StatusClosed  = "Closed"
	StatusDeleted = "Deleted"
)

// Baseline triage values applied when no categorizer result is available.
const (
	DefaultCategory = "General"
	DefaultUrgency  = "Medium"
)

// Ticket represents one conversation's case record.
type Ticket struct {
	ID          int64     `json:"id" db:"id"`
	Subject     string    `json:"subject" db:"subject"`
	Description string    `json:"description" db:"description"`
	Sender      string    `json:"sender" db:"sender"`
	Category    string    `json:"category" db:"category"`
	Urgency     string    `json:"urgency" db:"urgency"`
	Status      string    `json:"status" db:"status"`
	Resolution  string    `json:"resolution,omitempty" db:"resolution"`
	ThreadID    string    `json:"thread_id" db:"thread_id"`
	AssignedTo  *int64    `json:"assigned_to,omitempty" db:"assigned_to"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// IsDeleted reports whether the ticket carries the soft-delete sentinel.
func (t *Ticket) IsDeleted() bool {
	return t != nil && t.Status == StatusDeleted
}
