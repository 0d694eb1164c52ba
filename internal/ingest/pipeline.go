// Package ingest pulls mail from the configured mailboxes and turns it
// into tickets and thread messages. One Run drains at most MaxPerFetch
// messages per mailbox; repeated runs drain everything.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/tebstrack-io/tebstrack/internal/mail/connector"
	"github.com/tebstrack-io/tebstrack/internal/mail/parser"
	"github.com/tebstrack-io/tebstrack/internal/models"
	"github.com/tebstrack-io/tebstrack/internal/repository"
)

// DefaultMaxPerFetch caps one mailbox's batch per invocation.
const DefaultMaxPerFetch = 100

// ErrTicketDeleted marks mail arriving on a soft-deleted ticket's
// thread. The message is dropped; the ticket is never resurrected.
var ErrTicketDeleted = errors.New("ticket is deleted")

// outcome classifies what happened to one message so the batch loop's
// continuation and cursor behavior stay explicit.
type outcome int

const (
	outcomePersisted outcome = iota
	outcomeTicketCreated
	outcomeSkipped
	outcomeFailed
)

// Report summarizes one Run across all mailboxes.
type Report struct {
	NewTickets int
	Processed  int
	Skipped    int
	Failed     int

	// MailboxErrors holds per-mailbox transport errors. A populated map
	// with a nil Run error means partial success.
	MailboxErrors map[string]error
}

// Pipeline is the inbound ingestion orchestrator. It is not safe for
// concurrent Runs against the same mailbox; the Message-ID uniqueness
// constraint makes concurrent duplicate processing harmless, not
// prevented.
type Pipeline struct {
	dialer      connector.Dialer
	account     connector.Account
	parser      *parser.Parser
	tickets     repository.TicketStore
	cursors     repository.FetchStateStore
	categorizer Categorizer

	mailboxes     []string
	inboundBox    string
	systemAddress string
	maxPerFetch   int
	markSeen      bool
	logger        *log.Logger
	now           func() time.Time
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// New builds a pipeline with the inbox-only default mailbox list.
func New(dialer connector.Dialer, account connector.Account, p *parser.Parser, tickets repository.TicketStore, cursors repository.FetchStateStore, opts ...PipelineOption) *Pipeline {
	pl := &Pipeline{
		dialer:      dialer,
		account:     account,
		parser:      p,
		tickets:     tickets,
		cursors:     cursors,
		categorizer: StaticCategorizer{},
		mailboxes:   []string{"INBOX"},
		inboundBox:  "INBOX",
		maxPerFetch: DefaultMaxPerFetch,
		markSeen:    true,
		logger:      log.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(pl)
		}
	}
	return pl
}

// WithMailboxes sets the mailboxes processed per run. The first entry
// that equals the inbound mailbox name is the only one allowed to
// create tickets.
func WithMailboxes(mailboxes ...string) PipelineOption {
	return func(p *Pipeline) {
		if len(mailboxes) > 0 {
			p.mailboxes = mailboxes
		}
	}
}

// WithInboundMailbox names the mailbox whose mail may open new tickets.
func WithInboundMailbox(name string) PipelineOption {
	return func(p *Pipeline) {
		if name != "" {
			p.inboundBox = name
		}
	}
}

// WithSystemAddress sets the outgoing address used for loop prevention.
func WithSystemAddress(addr string) PipelineOption {
	return func(p *Pipeline) { p.systemAddress = addr }
}

// WithCategorizer replaces the default static categorizer.
func WithCategorizer(c Categorizer) PipelineOption {
	return func(p *Pipeline) {
		if c != nil {
			p.categorizer = c
		}
	}
}

// WithMaxPerFetch caps the batch size per mailbox per run.
func WithMaxPerFetch(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxPerFetch = n
		}
	}
}

// WithMarkSeen toggles flagging processed messages as seen.
func WithMarkSeen(enabled bool) PipelineOption {
	return func(p *Pipeline) { p.markSeen = enabled }
}

// WithPipelineLogger overrides the pipeline's logger.
func WithPipelineLogger(logger *log.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func withClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Run processes each configured mailbox sequentially. The returned
// error is non-nil only when every mailbox failed at the transport
// level; partial failures are reported through Report.MailboxErrors.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	started := p.now()
	report := &Report{MailboxErrors: make(map[string]error)}

	var transportErrs []error
	for _, mailbox := range p.mailboxes {
		if err := p.runMailbox(ctx, mailbox, report); err != nil {
			p.logger.Printf("[ingest] mailbox %s aborted: %v", mailbox, err)
			metricMailboxFailures.Inc()
			report.MailboxErrors[mailbox] = err
			transportErrs = append(transportErrs, fmt.Errorf("mailbox %s: %w", mailbox, err))
		}
	}
	metricFetchDuration.Observe(p.now().Sub(started).Seconds())

	if len(transportErrs) == len(p.mailboxes) && len(transportErrs) > 0 {
		return report, errors.Join(transportErrs...)
	}
	return report, nil
}

func (p *Pipeline) runMailbox(ctx context.Context, mailbox string, report *Report) error {
	session, err := p.dialer.Dial(ctx, p.account)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := session.Logout(); err != nil {
			p.logger.Printf("[ingest] mailbox %s: logout: %v", mailbox, err)
		}
	}()

	if err := session.Select(ctx, mailbox); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	lastUID, err := p.cursors.GetLastUID(ctx, mailbox)
	if err != nil {
		return fmt.Errorf("failed to read fetch cursor: %w", err)
	}

	var sinceUID uint32
	if lastUID > 0 {
		sinceUID = lastUID + 1
	}
	uids, err := session.SearchUIDs(ctx, sinceUID)
	if err != nil {
		return fmt.Errorf("failed to search mailbox: %w", err)
	}
	batch := p.selectBatch(uids, lastUID == 0)
	if len(batch) == 0 {
		p.logger.Printf("[ingest] mailbox %s: up to date (cursor %d)", mailbox, lastUID)
		return nil
	}
	p.logger.Printf("[ingest] mailbox %s: processing %d of %d new messages", mailbox, len(batch), len(uids))

	// The cursor moves to the highest UID whose processing fully
	// completed. The first failure pins it so the message is retried
	// on the next run.
	var highestOK uint32
	var persistedBehindCursor int
	cursorBlocked := false

	for i, uid := range batch {
		result := p.processUID(ctx, session, mailbox, uid)
		switch result {
		case outcomeTicketCreated:
			report.NewTickets++
			metricTicketsCreated.Inc()
			fallthrough
		case outcomePersisted:
			report.Processed++
			metricMessagesProcessed.Inc()
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Failed++
		}

		if result == outcomeFailed {
			cursorBlocked = true
		} else if !cursorBlocked {
			highestOK = uid
			if result != outcomeSkipped {
				persistedBehindCursor++
			}
		}
		if (i+1)%10 == 0 {
			p.logger.Printf("[ingest] mailbox %s: %d/%d", mailbox, i+1, len(batch))
		}
	}

	if highestOK > lastUID {
		if err := p.cursors.Advance(ctx, mailbox, highestOK, persistedBehindCursor); err != nil {
			return fmt.Errorf("failed to advance fetch cursor: %w", err)
		}
	}
	return nil
}

// selectBatch caps the batch. A first run keeps the most recent UIDs
// so initial contact never replays the whole mailbox history; an
// incremental run keeps the oldest so repeated runs drain forward
// chronologically.
func (p *Pipeline) selectBatch(uids []uint32, firstRun bool) []uint32 {
	sorted := make([]uint32, len(uids))
	copy(sorted, uids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if len(sorted) <= p.maxPerFetch {
		return sorted
	}
	if firstRun {
		return sorted[len(sorted)-p.maxPerFetch:]
	}
	return sorted[:p.maxPerFetch]
}

func (p *Pipeline) processUID(ctx context.Context, session connector.Session, mailbox string, uid uint32) outcome {
	raw, err := session.FetchRaw(ctx, uid)
	if err != nil {
		p.logger.Printf("[ingest] mailbox %s uid %d: fetch: %v", mailbox, uid, err)
		metricMessagesFailed.WithLabelValues("fetch").Inc()
		return outcomeFailed
	}

	parsed, err := p.parser.Parse(raw)
	if err != nil {
		p.logger.Printf("[ingest] mailbox %s uid %d: parse: %v", mailbox, uid, err)
		metricMessagesFailed.WithLabelValues("parse").Inc()
		return outcomeFailed
	}

	result, err := p.ingestParsed(ctx, mailbox, parsed)
	if err != nil {
		p.logger.Printf("[ingest] mailbox %s uid %d: persist: %v", mailbox, uid, err)
		metricMessagesFailed.WithLabelValues("persist").Inc()
		return outcomeFailed
	}

	if p.markSeen {
		if err := session.MarkSeen(ctx, uid); err != nil {
			// Persistence already succeeded; an unseen flag is cosmetic.
			p.logger.Printf("[ingest] mailbox %s uid %d: mark seen: %v", mailbox, uid, err)
		}
	}
	return result
}

func (p *Pipeline) ingestParsed(ctx context.Context, mailbox string, parsed *parser.ParsedEmail) (outcome, error) {
	if parsed.MessageID != "" {
		exists, err := p.tickets.MessageExists(ctx, parsed.MessageID)
		if err != nil {
			return outcomeFailed, fmt.Errorf("failed to check message id: %w", err)
		}
		if exists {
			metricMessagesSkipped.WithLabelValues("duplicate").Inc()
			return outcomeSkipped, nil
		}
	}

	ticket, err := p.tickets.FindTicketByThread(ctx, parsed.ThreadID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to look up thread: %w", err)
	}
	if ticket.IsDeleted() {
		metricMessagesSkipped.WithLabelValues("deleted_ticket").Inc()
		p.logger.Printf("[ingest] dropping message %s: %v", parsed.MessageID, ErrTicketDeleted)
		return outcomeSkipped, nil
	}

	sentAt := parsed.Date
	if sentAt.IsZero() {
		sentAt = p.now()
	}
	msg := &models.EmailMessage{
		ThreadID:    parsed.ThreadID,
		Sender:      parsed.Sender,
		Subject:     parsed.Subject,
		Body:        parsed.Body,
		SentAt:      sentAt,
		Attachments: parsed.Attachments,
		MessageID:   parsed.MessageID,
		InReplyTo:   parsed.InReplyTo,
	}

	if ticket != nil {
		msg.TicketID = ticket.ID
		if err := p.tickets.AppendMessage(ctx, msg); err != nil {
			if errors.Is(err, repository.ErrDuplicateMessage) {
				metricMessagesSkipped.WithLabelValues("duplicate").Inc()
				return outcomeSkipped, nil
			}
			return outcomeFailed, fmt.Errorf("failed to append message: %w", err)
		}
		return outcomePersisted, nil
	}

	// No ticket yet. Only inbound mail from an external sender opens one.
	if p.isSystemSender(parsed.SenderAddress) {
		metricMessagesSkipped.WithLabelValues("own_address").Inc()
		return outcomeSkipped, nil
	}
	if mailbox != p.inboundBox {
		metricMessagesSkipped.WithLabelValues("not_inbound").Inc()
		return outcomeSkipped, nil
	}

	category, urgency := p.categorize(ctx, parsed)
	newTicket := &models.Ticket{
		Subject:     parsed.Subject,
		Description: parsed.Body,
		Sender:      parsed.Sender,
		Category:    category,
		Urgency:     urgency,
		Status:      models.StatusOpen,
		ThreadID:    parsed.ThreadID,
		CreatedAt:   sentAt,
		UpdatedAt:   sentAt,
	}
	if err := p.tickets.CreateTicketWithMessage(ctx, newTicket, msg); err != nil {
		if errors.Is(err, repository.ErrDuplicateMessage) {
			metricMessagesSkipped.WithLabelValues("duplicate").Inc()
			return outcomeSkipped, nil
		}
		return outcomeFailed, fmt.Errorf("failed to create ticket: %w", err)
	}
	return outcomeTicketCreated, nil
}

func (p *Pipeline) categorize(ctx context.Context, parsed *parser.ParsedEmail) (string, string) {
	category, urgency, err := p.categorizer.Categorize(ctx, parsed.Subject, parsed.Body, parsed.Sender)
	if err != nil {
		p.logger.Printf("[ingest] categorizer error, using defaults: %v", err)
		return models.DefaultCategory, models.DefaultUrgency
	}
	if category == "" {
		category = models.DefaultCategory
	}
	if urgency == "" {
		urgency = models.DefaultUrgency
	}
	return category, urgency
}

func (p *Pipeline) isSystemSender(address string) bool {
	return p.systemAddress != "" && address != "" &&
		strings.EqualFold(address, p.systemAddress)
}
