package extractor

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const boilerplate = "script, style, noscript, nav, header, footer, aside, form, iframe, svg, button, input"

var blankRuns = regexp.MustCompile(`\n{3,}`)

// ToMarkdown reduces an HTML page to Markdown of its main content. Input
// that doesn't parse as HTML is returned as trimmed text.
func ToMarkdown(content []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return strings.TrimSpace(string(content))
	}

	var sel *goquery.Selection
	for _, tag := range []string{"main", `[role="main"]`, "article", "#content", "#main"} {
		if found := doc.Find(tag); found.Length() > 0 {
			sel = found.First()
			break
		}
	}
	if sel == nil {
		sel = doc.Find("body")
	}
	sel.Find(boilerplate).Remove()
	sel.Find(`[role="navigation"], [role="banner"], [aria-modal]`).Remove()

	body, err := sel.Html()
	if err != nil {
		return strings.TrimSpace(sel.Text())
	}
	conv := md.NewConverter("", true, nil)
	out, err := conv.ConvertString(body)
	if err != nil {
		return strings.TrimSpace(sel.Text())
	}
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
