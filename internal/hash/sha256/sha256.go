// Package sha256 digests fetched page bodies for item provenance.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

var _ crawler.Hasher = (*Hasher)(nil)

// Hasher returns the hex SHA-256 of a page body.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash never fails; the error satisfies crawler.Hasher.
func (*Hasher) Hash(body []byte) (string, error) {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
