// Package playback builds expiring, HMAC-signed media URLs.
//
// Signer targets the Bunny Stream embed player; CDNSigner targets a Bunny pull zone
// with token authentication. Both are stateless: the media host recomputes the
// signature from the URL parameters and its copy of the key.
package playback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the validity window used when callers pass a zero TTL.
const DefaultTTL = time.Hour

// DefaultEmbedBaseURL is the Bunny Stream iframe endpoint.
const DefaultEmbedBaseURL = "https://iframe.mediadelivery.net/embed"

// ErrNotConfigured is returned by constructors when required settings are missing.
var ErrNotConfigured = errors.New("playback signer not configured")

// Signer signs Stream embed URLs for one video library.
type Signer struct {
	libraryID    string
	apiKey       string
	embedBaseURL string

	// Now is the clock used for expiry; defaults to time.Now.
	Now func() time.Time
}

// NewSigner returns a Signer for libraryID keyed with apiKey.
func NewSigner(libraryID, apiKey string) (*Signer, error) {
	if libraryID == "" || apiKey == "" {
		return nil, fmt.Errorf("%w: library id and api key are required", ErrNotConfigured)
	}
	return &Signer{
		libraryID:    libraryID,
		apiKey:       apiKey,
		embedBaseURL: DefaultEmbedBaseURL,
		Now:          time.Now,
	}, nil
}

// WithEmbedBaseURL overrides the embed endpoint, mostly for tests and self-hosted players.
func (s *Signer) WithEmbedBaseURL(base string) *Signer {
	s.embedBaseURL = strings.TrimRight(base, "/")
	return s
}

// Sign returns a URL for assetID valid for ttl from now.
func (s *Signer) Sign(assetID string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.SignAt(assetID, s.Now().Add(ttl))
}

// SignAt returns the URL for assetID expiring at expires. Same inputs, same URL.
func (s *Signer) SignAt(assetID string, expires time.Time) string {
	exp := expires.Unix()
	q := url.Values{}
	q.Set("token", s.signature(assetID, exp))
	q.Set("expires", strconv.FormatInt(exp, 10))
	return fmt.Sprintf("%s/%s/%s?%s", s.embedBaseURL, url.PathEscape(s.libraryID), url.PathEscape(assetID), q.Encode())
}

// Signature returns the hex token for assetID and expires.
func (s *Signer) Signature(assetID string, expires time.Time) string {
	return s.signature(assetID, expires.Unix())
}

// Verify reports whether token is the signature for assetID and expires, and expires is still ahead.
func (s *Signer) Verify(assetID string, expires time.Time, token string) bool {
	if !s.Now().Before(expires) {
		return false
	}
	want := s.signature(assetID, expires.Unix())
	return hmac.Equal([]byte(want), []byte(token))
}

// LibraryID returns the configured video library.
func (s *Signer) LibraryID() string {
	return s.libraryID
}

func (s *Signer) signature(assetID string, exp int64) string {
	mac := hmac.New(sha256.New, []byte(s.apiKey))
	mac.Write([]byte(s.libraryID))
	mac.Write([]byte(s.apiKey))
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	mac.Write([]byte(assetID))
	return hex.EncodeToString(mac.Sum(nil))
}

// CDNSigner signs pull-zone paths. Without a token key it hands out plain public URLs.
type CDNSigner struct {
	host     string
	tokenKey string

	// Now is the clock used for expiry; defaults to time.Now.
	Now func() time.Time
}

// NewCDNSigner returns a CDNSigner for host. tokenKey may be empty.
func NewCDNSigner(host, tokenKey string) (*CDNSigner, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/")
	if host == "" {
		return nil, fmt.Errorf("%w: pull zone host is required", ErrNotConfigured)
	}
	return &CDNSigner{host: host, tokenKey: tokenKey, Now: time.Now}, nil
}

// Signed reports whether token authentication is configured.
func (c *CDNSigner) Signed() bool {
	return c.tokenKey != ""
}

// SignPath returns a URL for path valid for ttl from now.
func (c *CDNSigner) SignPath(path string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return c.SignPathAt(path, c.Now().Add(ttl))
}

// SignPathAt returns the URL for path expiring at expires.
func (c *CDNSigner) SignPathAt(path string, expires time.Time) string {
	p := "/" + strings.TrimPrefix(path, "/")
	if c.tokenKey == "" {
		return "https://" + c.host + p
	}
	exp := strconv.FormatInt(expires.Unix(), 10)
	return fmt.Sprintf("https://%s%s?token=%s&expires=%s", c.host, p, c.token(p, exp), exp)
}

func (c *CDNSigner) token(p, exp string) string {
	mac := hmac.New(sha256.New, []byte(c.tokenKey))
	mac.Write([]byte(c.tokenKey + p + exp))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
