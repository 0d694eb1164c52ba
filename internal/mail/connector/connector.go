// Package connector abstracts the mail store the ingestion pipeline
// reads from. The contract is deliberately narrow: select a mailbox,
// search UIDs incrementally, fetch raw bytes, mark seen.
package connector

import (
	"context"
	"time"
)

// Account carries the fields needed to open a mail store session.
type Account struct {
	Host        string
	Port        int
	Username    string
	Password    []byte
	UseTLS      bool
	DialTimeout time.Duration
}

// Session is one authenticated connection to the mail store. It is a
// scoped resource: callers must Logout on every path.
type Session interface {
	// Select opens the named mailbox.
	Select(ctx context.Context, mailbox string) error

	// SearchUIDs returns the UIDs at or above sinceUID, ascending.
	// sinceUID 0 means the whole mailbox.
	SearchUIDs(ctx context.Context, sinceUID uint32) ([]uint32, error)

	// FetchRaw returns the full RFC 822 payload for one UID.
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)

	// MarkSeen flags the message as seen.
	MarkSeen(ctx context.Context, uid uint32) error

	// Logout releases the connection.
	Logout() error
}

// Dialer opens authenticated sessions. A connection or auth failure is
// a transport error: the pipeline aborts that mailbox's batch only.
type Dialer interface {
	Dial(ctx context.Context, account Account) (Session, error)
}
