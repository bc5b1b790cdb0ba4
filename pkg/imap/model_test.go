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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextualIDRoundTrip(t *testing.T) {
	id := ContextualID("INBOX/All Mail", 42)

	mailbox, uid, err := ParseContextualID(id)
	require.NoError(t, err)
	assert.Equal(t, "INBOX/All Mail", mailbox)
	assert.Equal(t, uint32(42), uid)
}

func TestParseContextualIDMalformed(t *testing.T) {
	_, _, err := ParseContextualID("not-a-contextual-id")
	assert.Error(t, err)
}

func TestNewThreadFromMessagesOrdersChronologically(t *testing.T) {
	newer := Message{UID: 2, Date: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	older := Message{UID: 1, Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	thread := NewThreadFromMessages("t1", []Message{newer, older})

	require.Len(t, thread.Messages, 2)
	assert.Equal(t, uint32(1), thread.Messages[0].UID)
	assert.Equal(t, uint32(2), thread.Messages[1].UID)
}

func TestThreadMarkdownIncludesEachMessage(t *testing.T) {
	thread := Thread{
		ID: "t1",
		Messages: []Message{
			{From: "a@example.com", Subject: "Hi", Body: Body{Markdown: "first"}, Date: time.Now()},
			{From: "b@example.com", Subject: "Re: Hi", Body: Body{Markdown: "second"}, Date: time.Now()},
		},
	}

	out := thread.Markdown()

	assert.Contains(t, out, "first")
	assert.Contains(t, out, "second")
	assert.Contains(t, out, "a@example.com")
	assert.Contains(t, out, "b@example.com")
}
