package headless

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
)

// mainDocument records the last document response a tab received, which
// after redirects is the page that was rendered.
type mainDocument struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *mainDocument) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := httpHeaders(e.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.headers = headers
	d.url = e.Response.URL
}

// result falls back to the browser location, then the requested URL, when
// no document response was seen. A missing status is reported as 200
// because the DOM did render.
func (d *mainDocument) result(requested, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	final := d.url
	if final == "" {
		final = location
	}
	if final == "" {
		final = requested
	}
	return status, headers, final
}

func httpHeaders(src network.Headers) http.Header {
	h := make(http.Header, len(src))
	for k, v := range src {
		switch v := v.(type) {
		case string:
			h.Add(k, v)
		case []string:
			for _, s := range v {
				h.Add(k, s)
			}
		case []any:
			for _, s := range v {
				h.Add(k, fmt.Sprint(s))
			}
		default:
			h.Add(k, fmt.Sprint(v))
		}
	}
	return h
}

func networkHeaders(src http.Header) network.Headers {
	h := make(network.Headers, len(src))
	for k, v := range src {
		switch len(v) {
		case 0:
		case 1:
			h[k] = v[0]
		default:
			h[k] = append([]string(nil), v...)
		}
	}
	return h
}

// ExtractLinks parses an HTML document and resolves every anchor href
// against base. Fragment-only, javascript: and mailto: links are dropped.
func ExtractLinks(base string, body []byte) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		links = append(links, abs.String())
	})
	return links, nil
}
