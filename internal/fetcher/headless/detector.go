package headless

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DetectorConfig lists the signals that mark a plain response as a
// JavaScript shell. Zero values disable each signal.
type DetectorConfig struct {
	// MinHTMLBytes flags bodies smaller than this.
	MinHTMLBytes int `mapstructure:"min_html_bytes"`
	// RequiredSelectors flags bodies missing any of these CSS selectors.
	RequiredSelectors []string `mapstructure:"required_selectors"`
	// Keywords flags bodies containing any of these, case-insensitively.
	Keywords []string `mapstructure:"keywords"`
}

// Detector decides from static HTML whether a page needs rendering.
type Detector struct {
	minHTMLBytes int
	selectors    []string
	keywords     [][]byte
}

// NewDetector compiles cfg. Blank selectors and keywords are dropped.
func NewDetector(cfg DetectorConfig) *Detector {
	d := &Detector{minHTMLBytes: cfg.MinHTMLBytes}
	for _, sel := range cfg.RequiredSelectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			d.selectors = append(d.selectors, sel)
		}
	}
	for _, kw := range cfg.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			d.keywords = append(d.keywords, bytes.ToLower([]byte(kw)))
		}
	}
	return d
}

// NeedsJS reports whether body shows any configured shell signal. A nil
// Detector never asks for rendering.
func (d *Detector) NeedsJS(body []byte) bool {
	if d == nil {
		return false
	}
	return d.tooSmall(body) || d.hasKeyword(body) || d.missingSelector(body)
}

func (d *Detector) tooSmall(body []byte) bool {
	return d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes
}

func (d *Detector) hasKeyword(body []byte) bool {
	if len(d.keywords) == 0 || len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) missingSelector(body []byte) bool {
	if len(d.selectors) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}
