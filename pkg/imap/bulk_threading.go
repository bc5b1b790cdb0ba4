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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
)

const (
	defaultBatchSize = 10
	attrSent         = `\Sent`
	attrAll          = `\All`
)

// BulkFetchConfig parameterizes one FetchRecentThreads call.
type BulkFetchConfig struct {
	// TargetThreadCount is how many unique threads to return.
	TargetThreadCount int
	// MaxAgeMonths bounds how far back the initial UID search looks.
	MaxAgeMonths int
	// SourceFolderAttribute is the RFC 6154 special-use attribute of the
	// folder to scan for candidate threads (default: "\Sent").
	SourceFolderAttribute string
	// BatchSize is the UID batch size used during thread discovery
	// (default 10).
	BatchSize int
}

func (c BulkFetchConfig) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return defaultBatchSize
}

func (c BulkFetchConfig) sourceAttribute() string {
	if c.SourceFolderAttribute != "" {
		return c.SourceFolderAttribute
	}
	return attrSent
}

// FetchRecentThreads returns up to cfg.TargetThreadCount unique Gmail
// threads touched by messages in the source folder within the max-age
// window, each resolved to its full membership in the All-Mail-
// equivalent folder.
func FetchRecentThreads(ctx context.Context, cm *ConnectionManager, creds Credentials, userID string, cfg BulkFetchConfig, logger *slog.Logger) (*BulkFetchResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	release, err := cm.Acquire(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("imap: acquire concurrency slot: %w", err)
	}
	defer release()

	start := time.Now()

	session, err := cm.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	mailboxes, err := session.ListMailboxes()
	if err != nil {
		return nil, err
	}
	resolver := NewFolderResolver(mailboxes)
	sourceFolder, err := resolver.Resolve(cfg.sourceAttribute())
	if err != nil {
		return nil, err
	}
	allMailFolder, err := resolver.Resolve(attrAll)
	if err != nil {
		return nil, err
	}

	sourceScanStart := time.Now()
	if err := session.SelectFolder(sourceFolder); err != nil {
		return nil, err
	}
	since := time.Now().AddDate(0, -cfg.MaxAgeMonths, 0)
	uids, err := session.SearchUIDsSince(since.Format("02-Jan-2006"))
	if err != nil {
		return nil, err
	}
	fetchSourceTime := time.Since(sourceScanStart)

	discoveryStart := time.Now()
	threadUIDs, order := discoverThreads(session, uids, cfg.batchSize(), cfg.TargetThreadCount, logger)
	threadDiscoveryTime := time.Since(discoveryStart)

	bulkFetchStart := time.Now()
	if err := session.SelectFolder(allMailFolder); err != nil {
		return nil, err
	}

	threads := make([]Thread, 0, len(order))
	for _, threadID := range order {
		members, err := session.FetchThreadMemberUIDs(threadID)
		if err != nil {
			logger.Warn("imap: skipping thread after member search failure", "thread_id", threadID, "error", err)
			continue
		}
		if len(members) == 0 {
			members = threadUIDs[threadID]
		}

		raws, err := session.FetchMembers(members)
		if err != nil {
			logger.Warn("imap: skipping thread after fetch failure", "thread_id", threadID, "error", err)
			continue
		}

		msgs := make([]Message, 0, len(raws))
		for _, raw := range raws {
			if raw.MessageID == "" {
				continue // drafts and similarly incomplete messages are skipped
			}
			msgs = append(msgs, messageFromRaw(allMailFolder, threadID, raw))
		}
		if len(msgs) == 0 {
			continue
		}
		threads = append(threads, NewThreadFromMessages(threadID, msgs))
	}
	bulkFetchTime := time.Since(bulkFetchStart)

	return &BulkFetchResult{
		Threads: threads,
		Timing: Timing{
			FetchSource:     fetchSourceTime,
			ThreadDiscovery: threadDiscoveryTime,
			BulkFetch:       bulkFetchTime,
			Total:           time.Since(start),
		},
	}, nil
}

// discoverThreads iterates uids in batches of batchSize, fetching
// X-GM-THRID for each batch and accumulating thread membership until
// target unique threads have been found or uids is exhausted. order
// preserves first-seen order so the caller processes the newest
// threads first.
func discoverThreads(session *Session, uids []uint32, batchSize, target int, logger *slog.Logger) (map[string][]uint32, []string) {
	threadUIDs := make(map[string][]uint32)
	order := make([]string, 0, target)

	for start := 0; start < len(uids); start += batchSize {
		end := start + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		ids, err := session.FetchThreadIDs(batch)
		if err != nil {
			logger.Warn("imap: thread discovery batch failed, skipping", "error", err)
			continue
		}

		for uid, threadID := range ids {
			if _, seen := threadUIDs[threadID]; !seen {
				order = append(order, threadID)
			}
			threadUIDs[threadID] = append(threadUIDs[threadID], uid)
		}

		if len(threadUIDs) >= target {
			break
		}
	}

	return threadUIDs, order
}

func messageFromRaw(mailbox, threadID string, raw RawMessage) Message {
	msg := Message{
		UID:       raw.UID,
		MessageID: raw.MessageID,
		ThreadID:  threadID,
		Mailbox:   mailbox,
		Labels:    raw.Labels,
	}
	if raw.Envelope != nil {
		msg.Subject = decodeHeader(raw.Envelope.Subject)
		msg.Date = raw.Envelope.Date
		if len(raw.Envelope.From) > 0 {
			msg.From = raw.Envelope.From[0].Addr()
		}
		for _, to := range raw.Envelope.To {
			msg.To = append(msg.To, to.Addr())
		}
	}
	for _, label := range raw.Labels {
		if label == `\Sent` {
			msg.Direction = DirectionSent
			break
		}
	}
	if msg.Direction == "" {
		msg.Direction = DirectionReceived
	}
	msg.Body = ExtractBody(raw.Plain, raw.HTML)
	return msg
}

var headerDecoder = mime.WordDecoder{}

func decodeHeader(s string) string {
	decoded, err := headerDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// splitAlternatives parses a raw RFC 822 message and returns its
// text/plain and text/html bodies, preferring the first part of each
// type found in a multipart/alternative structure.
func splitAlternatives(raw []byte) (plain, html string) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	contentType := m.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	body, err := io.ReadAll(m.Body)
	if err != nil {
		return "", ""
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return walkMultipart(body, params["boundary"])
	}
	if strings.HasPrefix(mediaType, "text/html") {
		return "", decodeCharset(body, params["charset"])
	}
	return decodeCharset(body, params["charset"]), ""
}

// walkMultipart walks a multipart body's parts (including nested
// multipart/alternative and multipart/mixed parts), returning the
// first text/plain and first text/html part bodies found.
func walkMultipart(body []byte, boundary string) (plain, html string) {
	if boundary == "" {
		return "", ""
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		partBody, err := io.ReadAll(part)
		if err != nil {
			continue
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			continue
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			nestedPlain, nestedHTML := walkMultipart(partBody, params["boundary"])
			if plain == "" {
				plain = nestedPlain
			}
			if html == "" {
				html = nestedHTML
			}
			continue
		}

		decoded := decodeTransferEncoding(partBody, part.Header.Get("Content-Transfer-Encoding"))
		switch {
		case mediaType == "text/plain" && plain == "":
			plain = decodeCharset(decoded, params["charset"])
		case mediaType == "text/html" && html == "":
			html = decodeCharset(decoded, params["charset"])
		}
	}
	return plain, html
}

func decodeTransferEncoding(body []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
		n, err := base64.StdEncoding.Decode(decoded, bytes.TrimSpace(body))
		if err != nil {
			return body
		}
		return decoded[:n]
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body
		}
		return decoded
	default:
		return body
	}
}

// decodeCharset decodes body into a UTF-8 string, ignoring undecodable
// bytes for any charset it does not recognize (mirroring a permissive
// errors="ignore" text decode).
func decodeCharset(body []byte, charset string) string {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "us-ascii", "ascii":
		return strings.ToValidUTF8(string(body), "")
	default:
		return strings.ToValidUTF8(string(body), "")
	}
}

func parseSinceDate(s string) time.Time {
	t, err := time.Parse("02-Jan-2006", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
