// Package extractor turns fetched pages into template-shaped fields by
// asking a language model. Pages are reduced to Markdown first, the reply
// is parsed as JSON and trimmed to the template's fields.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
)

// Completer sends one prompt to a model and returns its text reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

// Config controls prompt construction.
type Config struct {
	// MaxContentChars truncates the page Markdown. 0 uses the default.
	MaxContentChars int `mapstructure:"max_content_chars"`
}

const defaultMaxContentChars = 60000

// Extractor implements crawler.Extractor over a Completer.
type Extractor struct {
	completer Completer
	cfg       Config
	logger    *zap.Logger
}

// New builds an Extractor.
func New(completer Completer, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = defaultMaxContentChars
	}
	return &Extractor{completer: completer, cfg: cfg, logger: logger}
}

// Extract asks the model for tmpl's fields in content. Every template
// field is present in the result; fields the model left out are nil.
func (e *Extractor) Extract(ctx context.Context, content []byte, tmpl crawler.Template) (map[string]any, error) {
	if len(tmpl.Fields) == 0 {
		return nil, fmt.Errorf("%w: template %q has no fields", crawler.ErrConfig, tmpl.Name)
	}
	page := ToMarkdown(content)
	if strings.TrimSpace(page) == "" {
		metrics.ObserveExtraction("empty_page")
		return nil, fmt.Errorf("%w: page has no readable content", crawler.ErrExtraction)
	}
	if len(page) > e.cfg.MaxContentChars {
		page = truncate(page, e.cfg.MaxContentChars)
	}

	system, err := SystemPrompt(tmpl)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	reply, err := e.completer.Complete(ctx, system, UserPrompt(page))
	metrics.ObserveCompletion(e.completer.Name(), err == nil, time.Since(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s completion: %w", e.completer.Name(), ctxErr)
		}
		metrics.ObserveExtraction("completion_error")
		return nil, fmt.Errorf("%s completion: %w: %w", e.completer.Name(), crawler.ErrExtraction, err)
	}

	fields, err := ParseReply(reply, tmpl)
	if err != nil {
		metrics.ObserveExtraction("bad_reply")
		e.logger.Debug("unusable model reply",
			zap.String("provider", e.completer.Name()),
			zap.Int("reply_len", len(reply)),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.ObserveExtraction("ok")
	return fields, nil
}

// SystemPrompt instructs the model to answer with one JSON object keyed by
// the template's field names.
func SystemPrompt(tmpl crawler.Template) (string, error) {
	spec := make(map[string]string, len(tmpl.Fields))
	for _, f := range tmpl.Fields {
		spec[f.Name] = f.Description
	}
	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode template %s: %w", tmpl.Name, err)
	}
	var b strings.Builder
	b.WriteString("Extract structured data from the web page the user sends.\n\n")
	b.WriteString("Template (keys are field names, values describe each field):\n")
	b.Write(raw)
	b.WriteString("\n\nRules:\n")
	b.WriteString("1. Reply with a single JSON object, not an array.\n")
	b.WriteString("2. Use exactly the template's keys: ")
	b.WriteString(strings.Join(tmpl.FieldNames(), ", "))
	b.WriteString(".\n")
	b.WriteString("3. Use null for any field the page does not contain.\n")
	b.WriteString("4. Do not add other keys and do not wrap the object in blocks.\n")
	b.WriteString("5. Reply with JSON only, no prose and no code fences.\n")
	return b.String(), nil
}

// UserPrompt wraps the page Markdown.
func UserPrompt(page string) string {
	return "Web page content (Markdown):\n\n" + page
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
