package crawler

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func paramsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// WithDefaults fills unset tunables from defaults.
func (p JobParameters) WithDefaults(defaults JobParameters) JobParameters {
	if p.MaxDepth == 0 {
		p.MaxDepth = defaults.MaxDepth
	}
	if p.MaxPages == 0 {
		p.MaxPages = defaults.MaxPages
	}
	if p.BatchSize == 0 {
		p.BatchSize = defaults.BatchSize
	}
	if p.SaveInterval == 0 {
		p.SaveInterval = defaults.SaveInterval
	}
	if p.TemplatePath == "" {
		p.TemplatePath = defaults.TemplatePath
	}
	if len(p.URLPatterns) == 0 {
		p.URLPatterns = append([]string(nil), defaults.URLPatterns...)
	}
	if p.FollowPerPage == 0 {
		p.FollowPerPage = defaults.FollowPerPage
	}
	return p
}

// Validate checks tunables and URL patterns. Every failure wraps ErrConfig.
func (p JobParameters) Validate() error {
	if err := paramsValidator().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := NormalizeURL(p.StartURL); err != nil {
		return fmt.Errorf("%w: start_url: %v", ErrConfig, err)
	}
	if _, err := CompileFilter(p.URLPatterns); err != nil {
		return err
	}
	return nil
}

// ValidateJobName rejects names that cannot key durable state.
func ValidateJobName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: job name is required", ErrConfig)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: job name %q must not contain path separators", ErrConfig, name)
	}
	return nil
}
