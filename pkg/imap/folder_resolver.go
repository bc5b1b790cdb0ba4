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

import "strings"

// MailboxInfo is the subset of a LIST response FolderResolver needs:
// the mailbox's name and its RFC 6154 special-use attributes (e.g.
// "\Sent", "\All").
type MailboxInfo struct {
	Name  string
	Attrs []string
}

// fallbackNames lists common non-special-use mailbox names providers use
// for a given special-use attribute, tried in order before a substring
// match.
var fallbackNames = map[string][]string{
	`\Sent`:   {"Sent", "Sent Items", "Sent Mail", "INBOX.Sent"},
	`\All`:    {"All Mail", "Archive", "INBOX.All Mail"},
	`\Trash`:  {"Trash", "Deleted Items", "Deleted Messages"},
	`\Junk`:   {"Junk", "Spam", "Junk E-mail"},
	`\Drafts`: {"Drafts", "Draft"},
}

// FolderResolver resolves RFC 6154 special-use mailboxes against a
// server's actual LIST response, since not every IMAP server advertises
// special-use attributes.
type FolderResolver struct {
	mailboxes []MailboxInfo
}

// NewFolderResolver builds a resolver from a LIST response.
func NewFolderResolver(mailboxes []MailboxInfo) *FolderResolver {
	return &FolderResolver{mailboxes: mailboxes}
}

// Resolve finds the mailbox name for a special-use attribute (e.g.
// "\Sent"), trying, in order: an exact attribute match, the fallback
// name table, and finally a case-insensitive substring match against
// the attribute's primary fallback name.
func (r *FolderResolver) Resolve(attr string) (string, error) {
	tried := make([]string, 0, 8)

	for _, mbox := range r.mailboxes {
		for _, a := range mbox.Attrs {
			if strings.EqualFold(a, attr) {
				return mbox.Name, nil
			}
		}
	}
	tried = append(tried, "special-use attribute")

	for _, candidate := range fallbackNames[attr] {
		tried = append(tried, candidate)
		for _, mbox := range r.mailboxes {
			if strings.EqualFold(mbox.Name, candidate) {
				return mbox.Name, nil
			}
		}
	}

	if names, ok := fallbackNames[attr]; ok && len(names) > 0 {
		needle := strings.ToLower(names[0])
		for _, mbox := range r.mailboxes {
			if strings.Contains(strings.ToLower(mbox.Name), needle) {
				return mbox.Name, nil
			}
		}
	}

	return "", &FolderNotFoundError{Attribute: attr, Tried: tried}
}
