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
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
)

var quoteHeaderRE = regexp.MustCompile(`(?i)^\s*(on .+ wrote:|le .+ a écrit\s*:)\s*$`)

// ExtractBody derives the three body forms described by ExtractBody's
// callers from a message's plain-text and HTML alternatives. Either
// argument may be empty; at least one should be non-empty for a
// meaningful result.
func ExtractBody(plainText, htmlText string) Body {
	plainReply := stripPlainQuote(plainText)

	var htmlReply string
	if strings.TrimSpace(htmlText) != "" {
		htmlReply = stripHTMLQuote(htmlText)
	}

	body := Body{}

	if htmlReply != "" {
		body.Raw = htmlReply
	} else {
		body.Raw = plainReply
	}

	if htmlReply != "" {
		if rendered, err := md.ConvertString(htmlReply); err == nil {
			body.Markdown = strings.TrimSpace(rendered)
		} else {
			body.Markdown = plainReply
		}
	} else {
		body.Markdown = plainReply
	}

	cleanedSource := plainReply
	if cleanedSource == "" && htmlReply != "" {
		cleanedSource = htmlToText(htmlReply)
	}
	body.Cleaned = cleanText(cleanedSource)

	return body
}

// stripPlainQuote returns the "visible reply" portion of a plain-text
// body: everything before the first quoted-history marker, either a
// "On ... wrote:" / "Le ... a écrit :" attribution line or the first
// line of '>'-prefixed quoting.
func stripPlainQuote(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	cut := len(lines)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if quoteHeaderRE.MatchString(trimmed) {
			cut = i
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			cut = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[:cut], "\n"))
}

// stripHTMLQuote removes the first matching quoted-history marker from
// an HTML body, trying each strategy in order and stopping at the
// first one that finds something to remove:
//  1. an Outlook "<hr id=stopSpelling>" and everything after it
//  2. a "div.gmail_quote" node (and its preceding "gmail_attr" sibling)
//  3. a "blockquote[type=cite]" node
//  4. a "blockquote" whose text begins with an "On ... wrote:" style
//     attribution
//
// Parse failures fall back to returning the original HTML unchanged.
func stripHTMLQuote(htmlText string) string {
	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return htmlText
	}

	if stripAfterStopSpelling(doc) {
		return renderHTML(doc)
	}
	if stripGmailQuote(doc) {
		return renderHTML(doc)
	}
	if stripBlockquoteCite(doc) {
		return renderHTML(doc)
	}
	if stripAttributedBlockquote(doc) {
		return renderHTML(doc)
	}
	return renderHTML(doc)
}

func renderHTML(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

// stripAfterStopSpelling removes an Outlook "<hr id="stopSpelling">"
// node and every following sibling.
func stripAfterStopSpelling(n *html.Node) bool {
	var found bool
	walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && node.Data == "hr" && attr(node, "id") == "stopSpelling" {
			removeFromHere(node)
			found = true
			return false
		}
		return true
	})
	return found
}

// stripGmailQuote removes the first "div.gmail_quote" node, along with
// its immediately preceding "div.gmail_attr" sibling if present.
func stripGmailQuote(n *html.Node) bool {
	var target *html.Node
	walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && node.Data == "div" && hasClass(node, "gmail_quote") {
			target = node
			return false
		}
		return true
	})
	if target == nil {
		return false
	}
	if prev := target.PrevSibling; prev != nil && prev.Type == html.ElementNode && prev.Data == "div" && hasClass(prev, "gmail_attr") {
		prev.Parent.RemoveChild(prev)
	}
	target.Parent.RemoveChild(target)
	return true
}

// stripBlockquoteCite removes the first "blockquote" node carrying
// type="cite".
func stripBlockquoteCite(n *html.Node) bool {
	var target *html.Node
	walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && node.Data == "blockquote" && attr(node, "type") == "cite" {
			target = node
			return false
		}
		return true
	})
	if target == nil {
		return false
	}
	target.Parent.RemoveChild(target)
	return true
}

// stripAttributedBlockquote removes the first "blockquote" whose text
// begins with an "On ... wrote:" / "... a écrit :" attribution line.
func stripAttributedBlockquote(n *html.Node) bool {
	var target *html.Node
	walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && node.Data == "blockquote" {
			text := strings.TrimSpace(textContent(node))
			firstLine := text
			if idx := strings.IndexAny(text, "\n"); idx >= 0 {
				firstLine = text[:idx]
			}
			if quoteHeaderRE.MatchString(strings.TrimSpace(firstLine)) {
				target = node
				return false
			}
		}
		return true
	})
	if target == nil {
		return false
	}
	target.Parent.RemoveChild(target)
	return true
}

// removeFromHere detaches node and every following sibling from their
// parent.
func removeFromHere(node *html.Node) {
	parent := node.Parent
	if parent == nil {
		return
	}
	for n := node; n != nil; {
		next := n.NextSibling
		parent.RemoveChild(n)
		n = next
	}
}

// walk performs a pre-order traversal, calling visit on every node.
// Returning false from visit stops the traversal entirely.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if !walk(c, visit) {
			return false
		}
		c = next
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

func htmlToText(htmlText string) string {
	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(textContent(doc))
}

var (
	markdownSyntaxRE = regexp.MustCompile("[*_`#>\\[\\]()~-]")
	whitespaceRE     = regexp.MustCompile(`\s+`)
)

// cleanText strips markdown syntax characters and collapses all
// whitespace runs to a single space.
func cleanText(text string) string {
	stripped := markdownSyntaxRE.ReplaceAllString(text, "")
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(stripped, " "))
}
