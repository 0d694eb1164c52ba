package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/require"
)

func testAccount() Account {
	return Account{Host: "mail.example", Username: "agent", Password: []byte("secret")}
}

func TestIMAPDialerSessionRoundTrip(t *testing.T) {
	client := &fakeIMAPClient{
		uids: []imap.UID{11, 12},
		bodies: map[imap.UID][]byte{
			11: []byte("first"),
			12: []byte("second"),
		},
	}
	d := NewIMAPDialer(withIMAPClientFactory(func(Account) (imapClient, error) { return client, nil }))

	session, err := d.Dial(context.Background(), testAccount())
	require.NoError(t, err)
	require.NoError(t, session.Select(context.Background(), "INBOX"))

	uids, err := session.SearchUIDs(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{11, 12}, uids)

	raw, err := session.FetchRaw(context.Background(), 11)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), raw)

	require.NoError(t, session.MarkSeen(context.Background(), 11))
	require.Equal(t, 1, client.storeCalls)

	require.NoError(t, session.Logout())
	require.Equal(t, 1, client.logoutCalls)
	require.True(t, client.closed)
}

func TestIMAPDialerIncrementalSearchCriteria(t *testing.T) {
	client := &fakeIMAPClient{uids: []imap.UID{40, 41}}
	d := NewIMAPDialer(withIMAPClientFactory(func(Account) (imapClient, error) { return client, nil }))
	session, err := d.Dial(context.Background(), testAccount())
	require.NoError(t, err)
	defer session.Logout()

	_, err = session.SearchUIDs(context.Background(), 40)
	require.NoError(t, err)
	require.NotNil(t, client.lastCriteria)
	require.Len(t, client.lastCriteria.UID, 1)
	require.Equal(t, imap.UID(40), client.lastCriteria.UID[0][0].Start)
	require.Equal(t, imap.UID(0), client.lastCriteria.UID[0][0].Stop)
}

func TestIMAPDialerAuthFailureClosesClient(t *testing.T) {
	client := &fakeIMAPClient{loginErr: errors.New("bad creds")}
	d := NewIMAPDialer(withIMAPClientFactory(func(Account) (imapClient, error) { return client, nil }))
	_, err := d.Dial(context.Background(), testAccount())
	require.ErrorContains(t, err, "imap auth")
	require.True(t, client.closed)
}

func TestIMAPDialerConnectErrorWrapped(t *testing.T) {
	d := NewIMAPDialer(withIMAPClientFactory(func(Account) (imapClient, error) {
		return nil, errors.New("dial failed")
	}))
	_, err := d.Dial(context.Background(), testAccount())
	require.ErrorContains(t, err, "imap connect")
}

func TestIMAPDialerValidation(t *testing.T) {
	d := NewIMAPDialer()
	cases := []Account{
		{Host: "mail.example", Password: []byte("pw")},
		{Host: "mail.example", Username: "user"},
	}
	for _, acc := range cases {
		if _, err := d.Dial(context.Background(), acc); err == nil {
			t.Fatalf("expected validation error for account %+v", acc)
		}
	}
}

func TestIMAPSessionSelectError(t *testing.T) {
	client := &fakeIMAPClient{selectErr: errors.New("no mailbox")}
	d := NewIMAPDialer(withIMAPClientFactory(func(Account) (imapClient, error) { return client, nil }))
	session, err := d.Dial(context.Background(), testAccount())
	require.NoError(t, err)
	err = session.Select(context.Background(), "Archive")
	require.ErrorContains(t, err, "imap select Archive")
}

func TestIMAPSessionFetchMissingBody(t *testing.T) {
	client := &fakeIMAPClient{uids: []imap.UID{9}}
	d := NewIMAPDialer(withIMAPClientFactory(func(Account) (imapClient, error) { return client, nil }))
	session, err := d.Dial(context.Background(), testAccount())
	require.NoError(t, err)
	_, err = session.FetchRaw(context.Background(), 9)
	require.ErrorContains(t, err, "no body returned")
}

type fakeIMAPClient struct {
	uids   []imap.UID
	bodies map[imap.UID][]byte

	loginErr  error
	selectErr error
	searchErr error
	fetchErr  error
	storeErr  error
	logoutErr error

	lastCriteria *imap.SearchCriteria
	storeCalls   int
	logoutCalls  int
	closed       bool
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter { return &fakeCommand{err: c.loginErr} }
func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logoutCalls++
	return &fakeCommand{err: c.logoutErr}
}
func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }
func (c *fakeIMAPClient) Select(_ string, _ *imap.SelectOptions) selectWaiter {
	return &fakeSelect{err: c.selectErr}
}
func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.lastCriteria = criteria
	return &fakeSearch{err: c.searchErr, data: &imap.SearchData{All: imap.UIDSetNum(c.uids...)}}
}
func (c *fakeIMAPClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	var bufs []*imapclient.FetchMessageBuffer
	if c.fetchErr == nil {
		if uidSet, ok := numSet.(imap.UIDSet); ok {
			for _, uid := range c.uids {
				if !uidSet.Contains(uid) {
					continue
				}
				buf := &imapclient.FetchMessageBuffer{SeqNum: uint32(uid), UID: uid}
				if body, ok := c.bodies[uid]; ok {
					buf.BodySection = []imapclient.FetchBodySectionBuffer{{
						Section: &imap.FetchItemBodySection{},
						Bytes:   append([]byte(nil), body...),
					}}
				}
				bufs = append(bufs, buf)
			}
		}
	}
	return &fakeFetch{err: c.fetchErr, bufs: bufs}
}
func (c *fakeIMAPClient) Store(_ imap.NumSet, _ *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	c.storeCalls++
	return &fakeFetch{err: c.storeErr}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ err error }

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return nil, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }
