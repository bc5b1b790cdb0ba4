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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripPlainQuote(t *testing.T) {
	t.Run("truncates at wrote attribution", func(t *testing.T) {
		text := "Thanks, sounds good.\n\nOn Mon, Jan 5, 2026 at 3:00 PM Jane <jane@example.com> wrote:\n> original message"
		got := stripPlainQuote(text)
		assert.Equal(t, "Thanks, sounds good.", got)
	})

	t.Run("truncates at first quote marker", func(t *testing.T) {
		text := "My reply\n> quoted line one\n> quoted line two"
		got := stripPlainQuote(text)
		assert.Equal(t, "My reply", got)
	})

	t.Run("returns whole text when unquoted", func(t *testing.T) {
		text := "just a plain reply"
		assert.Equal(t, text, stripPlainQuote(text))
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, "", stripPlainQuote(""))
	})
}

func TestStripHTMLQuote(t *testing.T) {
	t.Run("stops at outlook stopSpelling hr", func(t *testing.T) {
		in := `<html><body><p>My reply</p><hr id="stopSpelling"><p>quoted stuff</p></body></html>`
		out := stripHTMLQuote(in)
		assert.Contains(t, out, "My reply")
		assert.NotContains(t, out, "quoted stuff")
	})

	t.Run("removes gmail_quote and preceding gmail_attr", func(t *testing.T) {
		in := `<html><body><div>My reply</div><div class="gmail_attr">On Mon, Jane wrote:</div><div class="gmail_quote">quoted stuff</div></body></html>`
		out := stripHTMLQuote(in)
		assert.Contains(t, out, "My reply")
		assert.NotContains(t, out, "quoted stuff")
		assert.NotContains(t, out, "gmail_attr")
	})

	t.Run("removes blockquote type cite", func(t *testing.T) {
		in := `<html><body><p>My reply</p><blockquote type="cite">quoted stuff</blockquote></body></html>`
		out := stripHTMLQuote(in)
		assert.Contains(t, out, "My reply")
		assert.NotContains(t, out, "quoted stuff")
	})

	t.Run("removes attributed blockquote", func(t *testing.T) {
		in := `<html><body><p>My reply</p><blockquote>On Mon, Jan 5 Jane wrote: quoted stuff</blockquote></body></html>`
		out := stripHTMLQuote(in)
		assert.Contains(t, out, "My reply")
		assert.NotContains(t, out, "quoted stuff")
	})
}

func TestExtractBody(t *testing.T) {
	t.Run("prefers html reply for raw and markdown", func(t *testing.T) {
		html := `<html><body><p><b>Hello</b> there</p><blockquote type="cite">old stuff</blockquote></body></html>`
		plain := "Hello there\n> old stuff"

		body := ExtractBody(plain, html)

		assert.Contains(t, body.Raw, "Hello")
		assert.NotContains(t, body.Raw, "old stuff")
		assert.Contains(t, strings.ToLower(body.Markdown), "hello")
		assert.NotEmpty(t, body.Cleaned)
	})

	t.Run("falls back to plain when html is empty", func(t *testing.T) {
		body := ExtractBody("Hello there\n> quoted", "")
		assert.Equal(t, "Hello there", body.Raw)
		assert.Equal(t, "Hello there", body.Markdown)
	})

	t.Run("cleaned strips markdown syntax and collapses whitespace", func(t *testing.T) {
		got := cleanText("# Title\n\nSome   *bold*   text")
		require.NotEmpty(t, got)
		assert.NotContains(t, got, "*")
		assert.NotContains(t, got, "#")
		assert.NotContains(t, got, "  ")
	})
}

func TestUnescapeGmailLabel(t *testing.T) {
	assert.Equal(t, `\Important`, unescapeGmailLabel(`\\Important`))
	assert.Equal(t, "Work/Clients", unescapeGmailLabel("Work/Clients"))
}
