package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tebstrack-io/tebstrack/internal/mail/connector"
	"github.com/tebstrack-io/tebstrack/internal/mail/parser"
	"github.com/tebstrack-io/tebstrack/internal/models"
	"github.com/tebstrack-io/tebstrack/internal/repository"
)

type fakeSession struct {
	mailboxes map[string]map[uint32][]byte
	selected  string

	selectErr error
	searchErr error
	fetchErrs map[uint32]error

	seen      []uint32
	loggedOut bool
}

func (s *fakeSession) Select(_ context.Context, mailbox string) error {
	if s.selectErr != nil {
		return s.selectErr
	}
	if _, ok := s.mailboxes[mailbox]; !ok {
		return fmt.Errorf("no such mailbox %q", mailbox)
	}
	s.selected = mailbox
	return nil
}

func (s *fakeSession) SearchUIDs(_ context.Context, sinceUID uint32) ([]uint32, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	var uids []uint32
	for uid := range s.mailboxes[s.selected] {
		if uid >= sinceUID {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (s *fakeSession) FetchRaw(_ context.Context, uid uint32) ([]byte, error) {
	if err := s.fetchErrs[uid]; err != nil {
		return nil, err
	}
	raw, ok := s.mailboxes[s.selected][uid]
	if !ok {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	return raw, nil
}

func (s *fakeSession) MarkSeen(_ context.Context, uid uint32) error {
	s.seen = append(s.seen, uid)
	return nil
}

func (s *fakeSession) Logout() error {
	s.loggedOut = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
	dials   int
}

func (d *fakeDialer) Dial(context.Context, connector.Account) (connector.Session, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func rawMessage(from, subject, messageID, inReplyTo, references string) []byte {
	msg := "From: " + from + "\r\n" +
		"To: support@us.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Thu, 01 May 2025 09:00:00 +0000\r\n"
	if messageID != "" {
		msg += "Message-ID: " + messageID + "\r\n"
	}
	if inReplyTo != "" {
		msg += "In-Reply-To: " + inReplyTo + "\r\n"
	}
	if references != "" {
		msg += "References: " + references + "\r\n"
	}
	msg += "Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello, something is broken.\r\n"
	return []byte(msg)
}

func newTestPipeline(t *testing.T, session *fakeSession, opts ...PipelineOption) (*Pipeline, *repository.MemoryTicketRepository, *repository.MemoryFetchStateRepository) {
	t.Helper()
	tickets := repository.NewMemoryTicketRepository()
	cursors := repository.NewMemoryFetchStateRepository()
	base := append([]PipelineOption{
		WithSystemAddress("support@us.com"),
		withClock(func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }),
	}, opts...)
	pl := New(&fakeDialer{session: session}, connector.Account{Host: "mail.test", Port: 993}, parser.New(nil), tickets, cursors, base...)
	return pl, tickets, cursors
}

func TestRunCreatesTicketFromInbound(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			7: rawMessage("Jane Doe <jane@corp.com>", "Printer down", "<mid1@corp.com>", "", ""),
		},
	}}
	pl, tickets, cursors := newTestPipeline(t, session)

	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.NewTickets)
	require.Equal(t, 1, report.Processed)
	require.Zero(t, report.Failed)
	require.True(t, session.loggedOut)
	require.Equal(t, []uint32{7}, session.seen)

	ticket, err := tickets.FindTicketByThread(context.Background(), "<mid1@corp.com>")
	require.NoError(t, err)
	require.NotNil(t, ticket)
	require.Equal(t, "Printer down", ticket.Subject)
	require.Equal(t, "Jane Doe <jane@corp.com>", ticket.Sender)
	require.Equal(t, models.DefaultCategory, ticket.Category)
	require.Equal(t, models.DefaultUrgency, ticket.Urgency)
	require.Equal(t, models.StatusOpen, ticket.Status)

	uid, err := cursors.GetLastUID(context.Background(), "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(7), uid)
}

func TestRunIsIdempotentAcrossCursorReset(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			1: rawMessage("jane@corp.com", "Hi", "<mid1@corp.com>", "", ""),
		},
	}}
	pl, tickets, cursors := newTestPipeline(t, session)

	_, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, tickets.TicketCount())
	require.Equal(t, 1, tickets.MessageCount())

	// A reset forces the UID to be re-scanned; Message-ID dedup keeps
	// the store unchanged.
	require.NoError(t, cursors.Reset(context.Background(), "INBOX"))
	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.NewTickets)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, tickets.TicketCount())
	require.Equal(t, 1, tickets.MessageCount())
}

func TestRunNoMessageIDStillThreadsAcrossReset(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			1: rawMessage("jane@corp.com", "No headers from my client", "", "", ""),
		},
	}}
	pl, tickets, cursors := newTestPipeline(t, session)

	_, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, tickets.TicketCount())

	// Without a Message-ID the dedup index cannot absorb the refetch,
	// but the synthesized thread key still routes it to the same ticket.
	require.NoError(t, cursors.Reset(context.Background(), "INBOX"))
	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.NewTickets)
	require.Equal(t, 1, tickets.TicketCount())
}

func TestRunFollowUpJoinsExistingThread(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			1: rawMessage("jane@corp.com", "Hi", "<root@x>", "", ""),
			2: rawMessage("jane@corp.com", "Re: Hi", "<mid2@x>", "<root@x>", "<root@x>"),
		},
	}}
	pl, tickets, _ := newTestPipeline(t, session)

	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.NewTickets)
	require.Equal(t, 1, tickets.TicketCount())
	require.Equal(t, 2, tickets.MessageCount())

	msgs, err := tickets.MessagesByThread(context.Background(), "<root@x>")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestRunLoopPrevention(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			1: rawMessage("Support <support@us.com>", "Auto reply", "<auto1@us.com>", "", ""),
		},
	}}
	pl, tickets, _ := newTestPipeline(t, session)

	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.NewTickets)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, tickets.TicketCount())
	require.Zero(t, tickets.MessageCount())
}

func TestRunRecordsOwnRepliesOnExistingThread(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			1: rawMessage("jane@corp.com", "Hi", "<root@x>", "", ""),
			2: rawMessage("support@us.com", "Re: Hi", "<reply1@us.com>", "<root@x>", "<root@x>"),
		},
	}}
	pl, tickets, _ := newTestPipeline(t, session)

	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.NewTickets)
	require.Equal(t, 2, tickets.MessageCount(), "outgoing reply recorded on the thread")
}

func TestRunBatchCapFirstRunPrefersRecent(t *testing.T) {
	inbox := make(map[uint32][]byte)
	for uid := uint32(1); uid <= 5; uid++ {
		inbox[uid] = rawMessage("jane@corp.com", fmt.Sprintf("msg %d", uid), fmt.Sprintf("<m%d@x>", uid), "", "")
	}
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{"INBOX": inbox}}
	pl, tickets, cursors := newTestPipeline(t, session, WithMaxPerFetch(2))

	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed, "exactly max-per-fetch attempted")
	require.Equal(t, 2, tickets.MessageCount())

	// First contact takes the newest window, not the oldest backlog.
	exists, err := tickets.MessageExists(context.Background(), "<m5@x>")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = tickets.MessageExists(context.Background(), "<m1@x>")
	require.NoError(t, err)
	require.False(t, exists)

	uid, err := cursors.GetLastUID(context.Background(), "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(5), uid)
}

func TestRunBatchCapIncrementalDrainsOldestFirst(t *testing.T) {
	inbox := make(map[uint32][]byte)
	for uid := uint32(10); uid <= 15; uid++ {
		inbox[uid] = rawMessage("jane@corp.com", fmt.Sprintf("msg %d", uid), fmt.Sprintf("<m%d@x>", uid), "", "")
	}
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{"INBOX": inbox}}
	pl, tickets, cursors := newTestPipeline(t, session, WithMaxPerFetch(2))
	require.NoError(t, cursors.Advance(context.Background(), "INBOX", 9, 0))

	_, err := pl.Run(context.Background())
	require.NoError(t, err)
	uid, err := cursors.GetLastUID(context.Background(), "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(11), uid, "oldest two of the new set")

	// Repeated runs drain the rest forward.
	_, err = pl.Run(context.Background())
	require.NoError(t, err)
	_, err = pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, tickets.MessageCount())
	uid, err = cursors.GetLastUID(context.Background(), "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(15), uid)
}

func TestRunCursorStopsAtFirstFailure(t *testing.T) {
	session := &fakeSession{
		mailboxes: map[string]map[uint32][]byte{
			"INBOX": {
				1: rawMessage("jane@corp.com", "one", "<m1@x>", "", ""),
				2: rawMessage("jane@corp.com", "two", "<m2@x>", "", ""),
				3: rawMessage("jane@corp.com", "three", "<m3@x>", "", ""),
			},
		},
		fetchErrs: map[uint32]error{2: errors.New("boom")},
	}
	pl, tickets, cursors := newTestPipeline(t, session)

	report, err := pl.Run(context.Background())
	require.NoError(t, err, "a single bad message never fails the run")
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 2, report.Processed, "later messages still processed")
	require.Equal(t, 2, tickets.TicketCount())

	uid, err := cursors.GetLastUID(context.Background(), "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(1), uid, "cursor pinned before the failed UID")

	// The next run retries from the failure; dedup absorbs the refetch
	// of UID 3.
	session.fetchErrs = nil
	report, err = pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.NewTickets)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 3, tickets.TicketCount())
	uid, err = cursors.GetLastUID(context.Background(), "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(3), uid)
}

func TestRunDeletedTicketStaysDeleted(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			1: rawMessage("jane@corp.com", "Hi", "<root@x>", "", ""),
		},
	}}
	pl, tickets, _ := newTestPipeline(t, session)

	_, err := pl.Run(context.Background())
	require.NoError(t, err)
	ticket, err := tickets.FindTicketByThread(context.Background(), "<root@x>")
	require.NoError(t, err)
	require.NoError(t, tickets.UpdateTicketStatus(ticket.ID, models.StatusDeleted))

	session.mailboxes["INBOX"][2] = rawMessage("jane@corp.com", "Re: Hi", "<mid2@x>", "<root@x>", "<root@x>")
	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.NewTickets)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, tickets.TicketCount())
	require.Equal(t, 1, tickets.MessageCount(), "no message recorded on a deleted ticket")
}

func TestRunNonInboundMailboxNeverCreatesTickets(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"Sent": {
			1: rawMessage("partner@corp.com", "FYI", "<fyi1@corp.com>", "", ""),
		},
	}}
	pl, tickets, _ := newTestPipeline(t, session, WithMailboxes("Sent"))

	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.NewTickets)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, tickets.TicketCount())
}

func TestRunMailboxFailureIsIsolated(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			1: rawMessage("jane@corp.com", "Hi", "<mid1@x>", "", ""),
		},
	}}
	pl, tickets, _ := newTestPipeline(t, session, WithMailboxes("INBOX", "Archive"))

	report, err := pl.Run(context.Background())
	require.NoError(t, err, "partial failure is not a run failure")
	require.Equal(t, 1, report.NewTickets)
	require.Equal(t, 1, tickets.TicketCount())
	require.Len(t, report.MailboxErrors, 1)
	require.Contains(t, report.MailboxErrors, "Archive")
}

func TestRunAllMailboxesFailed(t *testing.T) {
	tickets := repository.NewMemoryTicketRepository()
	cursors := repository.NewMemoryFetchStateRepository()
	dialer := &fakeDialer{err: errors.New("connection refused")}
	pl := New(dialer, connector.Account{Host: "mail.test"}, parser.New(nil), tickets, cursors)

	report, err := pl.Run(context.Background())
	require.Error(t, err)
	require.Len(t, report.MailboxErrors, 1)
	require.Equal(t, 1, dialer.dials)
}

type failingCategorizer struct{}

func (failingCategorizer) Categorize(context.Context, string, string, string) (string, string, error) {
	return "", "", errors.New("model unavailable")
}

func TestRunCategorizerErrorFallsBackToDefaults(t *testing.T) {
	session := &fakeSession{mailboxes: map[string]map[uint32][]byte{
		"INBOX": {
			1: rawMessage("jane@corp.com", "Hi", "<mid1@x>", "", ""),
		},
	}}
	pl, tickets, _ := newTestPipeline(t, session, WithCategorizer(failingCategorizer{}))

	report, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.NewTickets)
	ticket, err := tickets.FindTicketByThread(context.Background(), "<mid1@x>")
	require.NoError(t, err)
	require.Equal(t, models.DefaultCategory, ticket.Category)
	require.Equal(t, models.DefaultUrgency, ticket.Urgency)
}

func TestKeywordCategorizer(t *testing.T) {
	c := &KeywordCategorizer{
		Categories: map[string][]string{
			"Hardware": {"printer", "laptop"},
			"Access":   {"password", "login"},
		},
		CategoryOrder:  []string{"Hardware", "Access"},
		UrgentKeywords: []string{"urgent", "outage"},
	}

	category, urgency, err := c.Categorize(context.Background(), "Printer outage", "", "jane@corp.com")
	require.NoError(t, err)
	require.Equal(t, "Hardware", category)
	require.Equal(t, "High", urgency)

	category, urgency, err = c.Categorize(context.Background(), "Question", "how do I file expenses", "jane@corp.com")
	require.NoError(t, err)
	require.Equal(t, models.DefaultCategory, category)
	require.Equal(t, models.DefaultUrgency, urgency)
}
