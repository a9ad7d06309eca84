// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

var _ crawler.Clock = (*Clock)(nil)

// Clock stamps job, link and item times in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (*Clock) Now() time.Time {
	return time.Now().UTC()
}
