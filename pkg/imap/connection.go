// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Credentials identifies one IMAP account to connect to.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (c Credentials) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	// MaxConcurrencyPerUser bounds how many IMAP sessions one user may
	// hold open at once. IMAP servers rate-limit per account, so this
	// must stay small.
	MaxConcurrencyPerUser int
}

const defaultMaxConcurrencyPerUser = 2

// ConnectionManager hands out per-user concurrency slots and dials
// authenticated IMAP sessions. A session itself is not safe for
// concurrent use; the slot only bounds how many sessions one user may
// hold open simultaneously.
type ConnectionManager struct {
	maxPerUser int

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewConnectionManager builds a ConnectionManager with the given
// configuration. A zero MaxConcurrencyPerUser falls back to a
// conservative default.
func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	max := cfg.MaxConcurrencyPerUser
	if max <= 0 {
		max = defaultMaxConcurrencyPerUser
	}
	return &ConnectionManager{
		maxPerUser: max,
		slots:      make(map[string]chan struct{}),
	}
}

func (m *ConnectionManager) slotFor(userID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[userID]
	if !ok {
		slot = make(chan struct{}, m.maxPerUser)
		m.slots[userID] = slot
	}
	return slot
}

// Acquire blocks until a concurrency slot for userID is free, or ctx is
// done. The returned release function must be called exactly once to
// free the slot.
func (m *ConnectionManager) Acquire(ctx context.Context, userID string) (release func(), err error) {
	slot := m.slotFor(userID)
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Session is one authenticated, single-threaded IMAP connection. Every
// method call must complete before the next is issued: IMAP sessions
// are not safe for concurrent use.
type Session struct {
	client *imapclient.Client
}

// Dial opens a TLS connection to creds.Host:Port and logs in. The
// caller must call (*Session).Close when done.
func (m *ConnectionManager) Dial(ctx context.Context, creds Credentials) (*Session, error) {
	client, err := imapclient.DialTLS(creds.addr(), &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: creds.Host},
	})
	if err != nil {
		return nil, fmt.Errorf("imap: dial %s: %w", creds.addr(), err)
	}
	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap: login: %w", err)
	}
	return &Session{client: client}, nil
}

// Close logs out and closes the underlying connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// ListMailboxes returns every mailbox visible to the session, with its
// special-use attributes, for FolderResolver.
func (s *Session) ListMailboxes() ([]MailboxInfo, error) {
	data, err := s.client.List("", "%", &imap.ListOptions{}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap: list: %w", err)
	}
	infos := make([]MailboxInfo, 0, len(data))
	for _, d := range data {
		attrs := make([]string, 0, len(d.Attrs))
		for _, a := range d.Attrs {
			attrs = append(attrs, string(a))
		}
		infos = append(infos, MailboxInfo{Name: d.Mailbox, Attrs: attrs})
	}
	return infos, nil
}

// SelectFolder selects mailbox name read-only.
func (s *Session) SelectFolder(name string) error {
	_, err := s.client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("imap: select %q: %w", name, err)
	}
	return nil
}

// SearchUIDsSince returns the UIDs of messages in the selected mailbox
// received on or after the given RFC 3501 SINCE date, newest first.
func (s *Session) SearchUIDsSince(sinceQuery string) ([]uint32, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{
		Since: parseSinceDate(sinceQuery),
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap: uid search: %w", err)
	}
	uids := data.AllUIDs()
	raw := make([]uint32, len(uids))
	for i, u := range uids {
		raw[i] = uint32(u)
	}
	reverse(raw)
	return raw, nil
}

// reverse reverses s in place.
func reverse(s []uint32) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// FetchThreadIDs fetches the Gmail X-GM-THRID extension value for each
// UID in one round trip.
func (s *Session) FetchThreadIDs(uids []uint32) (map[uint32]string, error) {
	set := toUIDSet(uids)
	fetchCmd := s.client.Fetch(set, &imap.FetchOptions{
		UID: true,
	})
	defer fetchCmd.Close()

	result := make(map[uint32]string, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		if buf.GMThreadID == 0 {
			continue
		}
		result[uint32(buf.UID)] = fmt.Sprintf("%d", buf.GMThreadID)
	}
	return result, fetchCmd.Close()
}

// FetchThreadMemberUIDs returns the UIDs of every message sharing
// threadID in the currently selected (All Mail) folder, using the raw
// Gmail X-GM-THRID search key since it has no typed equivalent in
// imap.SearchCriteria.
func (s *Session) FetchThreadMemberUIDs(threadID string) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		Text: []imap.SearchCriteriaText{{Value: "X-GM-THRID " + threadID}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap: thread search for %s: %w", threadID, err)
	}
	uids := data.AllUIDs()
	raw := make([]uint32, len(uids))
	for i, u := range uids {
		raw[i] = uint32(u)
	}
	return raw, nil
}

// RawMessage is one fetched message's unparsed fields.
type RawMessage struct {
	UID       uint32
	MessageID string
	Labels    []string
	Envelope  *imap.Envelope
	Plain     string
	HTML      string
}

// FetchMembers fetches (RFC822 X-GM-LABELS) for every uid in one batch.
func (s *Session) FetchMembers(uids []uint32) ([]RawMessage, error) {
	set := toUIDSet(uids)
	fetchCmd := s.client.Fetch(set, &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{}},
	})
	defer fetchCmd.Close()

	out := make([]RawMessage, 0, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		labels := make([]string, 0, len(buf.GMLabels))
		for _, l := range buf.GMLabels {
			labels = append(labels, unescapeGmailLabel(l))
		}
		raw := RawMessage{
			UID:      uint32(buf.UID),
			Labels:   labels,
			Envelope: buf.Envelope,
		}
		if buf.Envelope != nil {
			raw.MessageID = buf.Envelope.MessageID
		}
		// BodySection is keyed by the *imap.FetchItemBodySection pointer the
		// fetch request was built with, not indexed positionally, so the
		// value itself (not a wrapper field) is the section's raw bytes.
		for _, sectionBytes := range buf.BodySection {
			plain, html := splitAlternatives(sectionBytes)
			if plain != "" {
				raw.Plain = plain
			}
			if html != "" {
				raw.HTML = html
			}
		}
		out = append(out, raw)
	}
	return out, fetchCmd.Close()
}

// unescapeGmailLabel undoes the backslash-doubling Gmail applies to
// X-GM-LABELS values containing a literal backslash (e.g. "\\Important"
// arrives as "\\\\Important").
func unescapeGmailLabel(label string) string {
	return strings.ReplaceAll(label, `\\`, `\`)
}

func toUIDSet(uids []uint32) imap.UIDSet {
	set := imap.UIDSet{}
	for _, u := range uids {
		set.AddNum(imap.UID(u))
	}
	return set
}
