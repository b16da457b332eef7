// Package totp issues and checks RFC 6238 time-based one-time passwords.
//
// Parameters are fixed for compatibility with common authenticator apps:
// SHA-1, 6 digits, 30 second period, 20 byte secrets. Validation accepts the
// current time step and one step on either side to absorb clock drift.
package totp

import (
	"bytes"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// SecretSize is the number of random bytes behind every secret.
	SecretSize = 20
	// Period is the time step in seconds.
	Period = 30
	// Skew is how many adjacent steps are accepted on each side.
	Skew = 1
)

// ErrInvalidSecret is returned when a stored secret is not valid base32.
var ErrInvalidSecret = errors.New("invalid TOTP secret")

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

var validateOpts = totp.ValidateOpts{
	Period:    Period,
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Key is an issued secret together with its otpauth:// provisioning URI.
type Key struct {
	Secret string
	URI    string
}

// Generate creates a fresh secret for accountName under issuer.
func Generate(accountName, issuer string) (*Key, error) {
	k, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return &Key{Secret: k.Secret(), URI: k.URL()}, nil
}

// KeyFromSecret rebuilds the provisioning URI for an existing secret.
func KeyFromSecret(secret, accountName, issuer string) (*Key, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	k, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      Period,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build provisioning URI: %w", err)
	}
	return &Key{Secret: k.Secret(), URI: k.URL()}, nil
}

// AccountName formats the label shown in authenticator apps.
func AccountName(scope, email string) string {
	return scope + " - " + email
}

// QRCodePNG renders the provisioning URI as a square PNG of size pixels.
func (k *Key) QRCodePNG(size int) ([]byte, error) {
	code, err := qr.Encode(k.URI, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("failed to scale QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// QRCodeDataURL is QRCodePNG wrapped in a data: URL for direct use in an <img> tag.
func (k *Key) QRCodeDataURL(size int) (string, error) {
	b, err := k.QRCodePNG(size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(b), nil
}

// Validate reports whether code is acceptable for secret right now.
func Validate(code, secret string) bool {
	return ValidateAt(code, secret, time.Now())
}

// ValidateAt reports whether code is acceptable for secret at t.
func ValidateAt(code, secret string, t time.Time) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, t, validateOpts)
	return err == nil && ok
}

// MatchStep is ValidateAt that also returns the time step the code belongs to.
// Callers enforcing single use compare the step against the last accepted one.
func MatchStep(code, secret string, t time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != int(otp.DigitsSix) {
		return 0, false
	}
	matched := int64(0)
	ok := false
	for i := -Skew; i <= Skew; i++ {
		at := t.Add(time.Duration(i*Period) * time.Second)
		want, err := totp.GenerateCodeCustom(secret, at, validateOpts)
		if err != nil {
			return 0, false
		}
		// no early exit: timing must not reveal the matching step
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 && !ok {
			matched = at.Unix() / Period
			ok = true
		}
	}
	return matched, ok
}

// GenerateCode returns the code for secret at t.
func GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, validateOpts)
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimSpace(secret))
	s = strings.TrimRight(s, "=")
	raw, err := b32NoPadding.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidSecret
	}
	return raw, nil
}
