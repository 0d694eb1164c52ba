package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// IMAPDialer opens IMAP/IMAPS sessions for the ingestion pipeline.
type IMAPDialer struct {
	dialTimeout time.Duration
	logger      *log.Logger
	newClient   func(Account) (imapClient, error)
}

// IMAPDialerOption customizes dialer behavior.
type IMAPDialerOption func(*IMAPDialer)

// NewIMAPDialer returns a dialer ready for pipeline use.
func NewIMAPDialer(opts ...IMAPDialerOption) *IMAPDialer {
	d := &IMAPDialer{
		dialTimeout: 10 * time.Second,
		logger:      log.Default(),
	}
	d.newClient = d.defaultClientFactory
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.newClient == nil {
		d.newClient = d.defaultClientFactory
	}
	return d
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPDialerOption {
	return func(d *IMAPDialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPDialerOption {
	return func(d *IMAPDialer) {
		if timeout > 0 {
			d.dialTimeout = timeout
		}
	}
}

func withIMAPClientFactory(factory func(Account) (imapClient, error)) IMAPDialerOption {
	return func(d *IMAPDialer) {
		d.newClient = factory
	}
}

// Dial connects and authenticates. The returned session owns the
// connection; the caller must Logout.
func (d *IMAPDialer) Dial(_ context.Context, account Account) (Session, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	client, err := d.newClient(account)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	if err := client.Login(account.Username, string(account.Password)).Wait(); err != nil {
		d.safeClose(client)
		return nil, fmt.Errorf("imap auth: %w", err)
	}
	return &imapSession{client: client, logger: d.logger}, nil
}

func (d *IMAPDialer) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && d.logger != nil {
		d.logger.Printf("imap close error: %v", err)
	}
}

func (d *IMAPDialer) defaultClientFactory(account Account) (imapClient, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	port := account.Port
	if port == 0 {
		if account.UseTLS {
			port = 993
		} else {
			port = 143
		}
	}
	timeout := d.dialTimeout
	if account.DialTimeout > 0 {
		timeout = account.DialTimeout
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: timeout}}
	addr := fmt.Sprintf("%s:%d", account.Host, port)
	var client *imapclient.Client
	var err error
	if account.UseTLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapSession struct {
	client imapClient
	logger *log.Logger
}

func (s *imapSession) Select(_ context.Context, mailbox string) error {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := s.client.Select(mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", mailbox, err)
	}
	return nil
}

func (s *imapSession) SearchUIDs(_ context.Context, sinceUID uint32) ([]uint32, error) {
	criteria := &imap.SearchCriteria{}
	if sinceUID > 0 {
		// UID <since>:* keeps the search strictly incremental.
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(sinceUID), Stop: 0}}}
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	raw := data.AllUIDs()
	uids := make([]uint32, 0, len(raw))
	for _, uid := range raw {
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (s *imapSession) FetchRaw(_ context.Context, uid uint32) ([]byte, error) {
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	bufs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch uid %d: %w", uid, err)
	}
	for _, buf := range bufs {
		if body := buf.FindBodySection(&imap.FetchItemBodySection{}); body != nil {
			return append([]byte(nil), body...), nil
		}
	}
	return nil, fmt.Errorf("imap fetch uid %d: no body returned", uid)
}

func (s *imapSession) MarkSeen(_ context.Context, uid uint32) error {
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagSeen}, Silent: true}
	if err := s.client.Store(imap.UIDSetNum(imap.UID(uid)), store, nil).Close(); err != nil {
		return fmt.Errorf("imap mark seen uid %d: %w", uid, err)
	}
	return nil
}

func (s *imapSession) Logout() error {
	logoutErr := s.client.Logout().Wait()
	if err := s.client.Close(); err != nil && s.logger != nil {
		s.logger.Printf("imap close error: %v", err)
	}
	if logoutErr != nil {
		return fmt.Errorf("imap logout: %w", logoutErr)
	}
	return nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}

func validateAccount(account Account) error {
	if account.Username == "" {
		return errors.New("imap account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("imap account missing password")
	}
	return nil
}
