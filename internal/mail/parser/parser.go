// Package parser decodes raw RFC 822 messages into the transient
// ParsedEmail record consumed by the ingestion pipeline. Attachments
// and inline images are persisted to blob storage as a side effect of
// parsing; everything else degrades gracefully instead of failing.
package parser

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"mime"
	stdmail "net/mail"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/tebstrack-io/tebstrack/internal/mail/thread"
	"github.com/tebstrack-io/tebstrack/internal/models"
	"github.com/tebstrack-io/tebstrack/internal/storage"
)

// ErrMalformedMessage marks unrecoverable corruption of the message
// structure itself. Callers log the UID and skip the message; the
// batch continues.
var ErrMalformedMessage = errors.New("malformed message")

const (
	defaultBodyLimit       = 128 * 1024
	defaultAttachmentLimit = 25 * 1024 * 1024
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ParsedEmail is produced per message and consumed immediately by the
// pipeline.
type ParsedEmail struct {
	Subject       string
	Sender        string // canonical "Display Name <addr>" form
	SenderAddress string // bare address, empty when the header had none
	RawDate       string
	Date          time.Time // zero when the Date header is absent or unparseable
	Body          string
	MessageID     string
	InReplyTo     string
	References    []string // ordered, root first
	ThreadID      string
	Attachments   []models.Attachment
}

// Parser turns raw messages into ParsedEmail records.
type Parser struct {
	blobs           storage.BlobStore
	decoder         *mime.WordDecoder
	logger          *log.Logger
	maxBodyBytes    int64
	attachmentLimit int64
	htmlPolicy      *bluemonday.Policy
}

// Option customizes a Parser.
type Option func(*Parser)

// New builds a parser writing attachments through the given blob store.
func New(blobs storage.BlobStore, opts ...Option) *Parser {
	p := &Parser{
		blobs:           blobs,
		decoder:         &mime.WordDecoder{},
		logger:          log.Default(),
		maxBodyBytes:    defaultBodyLimit,
		attachmentLimit: defaultAttachmentLimit,
		htmlPolicy:      bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithLogger overrides the logger used for parse diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBodyLimit constrains how many body bytes are kept per message.
func WithBodyLimit(limit int64) Option {
	return func(p *Parser) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// WithAttachmentLimit constrains how many attachment bytes are buffered.
func WithAttachmentLimit(limit int64) Option {
	return func(p *Parser) {
		if limit > 0 {
			p.attachmentLimit = limit
		}
	}
}

// Parse decodes one raw message. It returns ErrMalformedMessage only
// when the message structure is unreadable by both the structured and
// the legacy header parser; missing headers, unknown encodings, and
// empty bodies all degrade to best-effort values.
func (p *Parser) Parse(raw []byte) (*ParsedEmail, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message: %w", ErrMalformedMessage)
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		p.logf("parser: structured parse failed: %v", err)
		return p.parseLegacy(raw)
	}

	parsed := &ParsedEmail{}
	p.fillHeaders(parsed, &reader.Header)

	body, htmlBody, cids := p.readParts(reader, parsed)
	if body == "" && htmlBody != "" {
		// HTML-only message: strip tags so the ticket still gets a
		// readable description.
		body = strings.TrimSpace(html.UnescapeString(p.htmlPolicy.Sanitize(htmlBody)))
	}
	parsed.Body = p.sanitizeBody(body, cids)
	return parsed, nil
}

func (p *Parser) fillHeaders(parsed *ParsedEmail, header *gomail.Header) {
	if subject, err := header.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = p.decodeHeader(header.Get("Subject"))
	}
	parsed.Sender, parsed.SenderAddress = p.senderFromHeader(header)
	parsed.RawDate = strings.TrimSpace(header.Get("Date"))
	if date, err := header.Date(); err == nil {
		parsed.Date = date.UTC()
	} else if parsed.RawDate != "" {
		if date, err := stdmail.ParseDate(parsed.RawDate); err == nil {
			parsed.Date = date.UTC()
		} else {
			p.logf("parser: unparseable date %q: %v", parsed.RawDate, err)
		}
	}
	parsed.MessageID = strings.TrimSpace(header.Get("Message-Id"))
	parsed.InReplyTo = strings.TrimSpace(header.Get("In-Reply-To"))
	parsed.References = thread.ParseReferences(header.Get("References"))
	parsed.ThreadID = p.threadKey(parsed)
}

// threadKey degrades to a digest of the sender, date, and subject when
// a message carries no identifier headers at all. The digest is stable
// across scans, so re-fetching the same raw bytes lands on the same
// ticket instead of opening a new one per cursor reset.
func (p *Parser) threadKey(parsed *ParsedEmail) string {
	if key := thread.Key(parsed.MessageID, parsed.InReplyTo, parsed.References); key != "" {
		return key
	}
	sum := sha256.Sum256([]byte(parsed.Sender + "\x00" + parsed.RawDate + "\x00" + parsed.Subject))
	return fmt.Sprintf("<%x@no-message-id>", sum[:12])
}

// senderFromHeader returns the canonical sender plus the bare address.
// With an address present the canonical form is "Display Name <addr>"
// (or "<addr>" alone); with none, the raw header survives as-is.
func (p *Parser) senderFromHeader(header *gomail.Header) (string, string) {
	rawFrom := p.decodeHeader(header.Get("From"))
	var addr *stdmail.Address
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		addr = list[0]
	} else if parsed, err := stdmail.ParseAddress(rawFrom); err == nil {
		addr = parsed
	}
	if addr == nil || strings.TrimSpace(addr.Address) == "" {
		return strings.TrimSpace(rawFrom), ""
	}
	address := strings.TrimSpace(addr.Address)
	name := strings.TrimSpace(addr.Name)
	if name == "" {
		return "<" + address + ">", address
	}
	return name + " <" + address + ">", address
}

// readParts walks the MIME tree, extracting the first usable text/plain
// body, the first text/html fallback, file attachments, and inline
// images. Inline images are returned as a CID → stored-filename map for
// body rewriting.
func (p *Parser) readParts(reader *gomail.Reader, parsed *ParsedEmail) (string, string, map[string]string) {
	var plainBody, htmlBody string
	cids := make(map[string]string)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.logf("parser: read part failed: %v", err)
			break
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			p.handleInlinePart(part, header, parsed, cids, &plainBody, &htmlBody)
		case *gomail.AttachmentHeader:
			p.handleAttachmentPart(part, header, parsed)
		}
	}
	return plainBody, htmlBody, cids
}

func (p *Parser) handleInlinePart(part *gomail.Part, header *gomail.InlineHeader, parsed *ParsedEmail, cids map[string]string, plainBody, htmlBody *string) {
	mimeType, _, err := header.ContentType()
	if err != nil {
		mimeType = "text/plain"
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	contentID := strings.Trim(strings.TrimSpace(header.Get("Content-Id")), "<>")

	if contentID != "" && strings.HasPrefix(mimeType, "image/") {
		filename := dispositionFilename(header.Get("Content-Disposition"))
		if filename == "" {
			ext := strings.TrimPrefix(mimeType, "image/")
			filename = fmt.Sprintf("inline_image_%s.%s", contentID, ext)
		}
		if att, stored := p.storeAttachment(filename, mimeType, part.Body); att != nil {
			parsed.Attachments = append(parsed.Attachments, *att)
			cids[contentID] = stored
		}
		return
	}

	body, err := p.readBody(part.Body)
	if err != nil {
		p.logf("parser: read part body failed: %v", err)
		return
	}
	switch {
	case strings.HasPrefix(mimeType, "text/plain"):
		if *plainBody == "" {
			*plainBody = body
		}
	case strings.HasPrefix(mimeType, "text/html"):
		if *htmlBody == "" {
			*htmlBody = body
		}
	default:
		if *plainBody == "" && *htmlBody == "" {
			*plainBody = body
		}
	}
}

func (p *Parser) handleAttachmentPart(part *gomail.Part, header *gomail.AttachmentHeader, parsed *ParsedEmail) {
	filename, err := header.Filename()
	if err != nil || strings.TrimSpace(filename) == "" {
		filename = fmt.Sprintf("attachment-%d.bin", len(parsed.Attachments)+1)
	}
	mimeType, _, ctErr := header.ContentType()
	if ctErr != nil {
		mimeType = "application/octet-stream"
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if att, _ := p.storeAttachment(filename, mimeType, part.Body); att != nil {
		parsed.Attachments = append(parsed.Attachments, *att)
	}
}

// storeAttachment persists one part to blob storage, returning the
// attachment record and the stored filename (the URL's last element).
func (p *Parser) storeAttachment(filename, mimeType string, src io.Reader) (*models.Attachment, string) {
	if p.blobs == nil || src == nil {
		return nil, ""
	}
	data, err := io.ReadAll(io.LimitReader(src, p.attachmentLimit))
	if err != nil {
		p.logf("parser: read attachment %s failed: %v", filename, err)
		return nil, ""
	}
	if len(data) == 0 {
		return nil, ""
	}
	url, err := p.blobs.Put(filename, data)
	if err != nil {
		p.logf("parser: store attachment %s failed: %v", filename, err)
		return nil, ""
	}
	stored := url
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		stored = url[idx+1:]
	}
	return &models.Attachment{
		Filename: filename,
		URL:      url,
		IsImage:  strings.HasPrefix(mimeType, "image/"),
		Size:     int64(len(data)),
	}, stored
}

func (p *Parser) readBody(src io.Reader) (string, error) {
	if src == nil {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(src, p.maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseLegacy is the fallback for messages go-message rejects: headers
// via net/mail, the body taken raw.
func (p *Parser) parseLegacy(raw []byte) (*ParsedEmail, error) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unreadable message structure: %w", ErrMalformedMessage)
	}
	parsed := &ParsedEmail{
		Subject:    p.decodeHeader(msg.Header.Get("Subject")),
		RawDate:    strings.TrimSpace(msg.Header.Get("Date")),
		MessageID:  strings.TrimSpace(msg.Header.Get("Message-Id")),
		InReplyTo:  strings.TrimSpace(msg.Header.Get("In-Reply-To")),
		References: thread.ParseReferences(msg.Header.Get("References")),
	}
	parsed.Sender, parsed.SenderAddress = p.senderFromRaw(msg.Header.Get("From"))
	if parsed.RawDate != "" {
		if date, err := stdmail.ParseDate(parsed.RawDate); err == nil {
			parsed.Date = date.UTC()
		}
	}
	parsed.ThreadID = p.threadKey(parsed)
	body, err := io.ReadAll(io.LimitReader(msg.Body, p.maxBodyBytes))
	if err != nil {
		p.logf("parser: read legacy body failed: %v", err)
	}
	parsed.Body = p.sanitizeBody(string(body), nil)
	return parsed, nil
}

func (p *Parser) senderFromRaw(value string) (string, string) {
	value = p.decodeHeader(value)
	if addr, err := stdmail.ParseAddress(value); err == nil && strings.TrimSpace(addr.Address) != "" {
		address := strings.TrimSpace(addr.Address)
		if name := strings.TrimSpace(addr.Name); name != "" {
			return name + " <" + address + ">", address
		}
		return "<" + address + ">", address
	}
	return strings.TrimSpace(value), ""
}

// dispositionFilename pulls the filename parameter out of a
// Content-Disposition header, if any.
func dispositionFilename(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(value); err == nil {
		return strings.TrimSpace(params["filename"])
	}
	return ""
}

func (p *Parser) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	decoded, err := p.decoder.DecodeHeader(value)
	if err != nil {
		// Bad RFC 2047 fragment: keep the raw header.
		return value
	}
	return decoded
}

func (p *Parser) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
