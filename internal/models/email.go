package models

import (
	"encoding/json"
	"time"
)

// Attachment describes one extracted file or inline image, already
// persisted to blob storage.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	IsImage  bool   `json:"is_image"`
	Size     int64  `json:"size"`
}

// EmailMessage is one ingested (or system-sent) email tied to a ticket.
// Rows are never mutated after creation.
type EmailMessage struct {
	ID          int64        `json:"id" db:"id"`
	TicketID    int64        `json:"ticket_id" db:"ticket_id"`
	ThreadID    string       `json:"thread_id" db:"thread_id"`
	Sender      string       `json:"sender" db:"sender"`
	Subject     string       `json:"subject" db:"subject"`
	Body        string       `json:"body" db:"body"`
	SentAt      time.Time    `json:"sent_at" db:"sent_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
	MessageID   string       `json:"message_id" db:"message_id"`
	InReplyTo   string       `json:"in_reply_to" db:"in_reply_to"`
}

// MarshalAttachments encodes the attachment list for the text column.
// An empty list encodes to "" so the column stays NULL-ish.
func (m *EmailMessage) MarshalAttachments() (string, error) {
	if len(m.Attachments) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m.Attachments)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalAttachments decodes the attachment column back into the list.
func (m *EmailMessage) UnmarshalAttachments(raw string) error {
	if raw == "" {
		m.Attachments = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), &m.Attachments)
}

// FetchState is the per-mailbox ingestion watermark. LastUID only ever
// increases; it is advanced after the corresponding messages are
// durably persisted.
type FetchState struct {
	Mailbox        string    `json:"mailbox" db:"mailbox"`
	LastUID        uint32    `json:"last_uid" db:"last_uid"`
	LastFetchTime  time.Time `json:"last_fetch_time" db:"last_fetch_time"`
	TotalProcessed int64     `json:"total_processed" db:"total_processed"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
