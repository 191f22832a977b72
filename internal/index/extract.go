package index

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/k3a/html2text"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
)

// Document is the indexable part of a response.
type Document struct {
	Title   string
	Content string
}

// Extract pulls the title and plain text out of a response. Non-HTML
// responses are indexed by their decoded text.
func Extract(resp egress.Response) Document {
	if resp.HTML == "" {
		return Document{Content: resp.Text}
	}
	var title string
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.HTML)); err == nil {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return Document{
		Title:   title,
		Content: html2text.HTML2Text(resp.HTML),
	}
}

const minTokenLen = 2

// Tokenize lowercases text, splits it on anything that is not a letter or a
// digit, and returns each token's positions in order of appearance.
func Tokenize(text string) map[string][]int {
	postings := make(map[string][]int)
	pos := 0
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(tok)) >= minTokenLen {
			postings[tok] = append(postings[tok], pos)
		}
		pos++
	}
	return postings
}
