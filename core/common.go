package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// sessionIDBytes is the entropy behind a session identifier (256 bits).
const sessionIDBytes = 32

func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizeSlug trims surrounding space only; slugs match exactly as stored.
func normalizeSlug(slug string) string {
	return strings.TrimSpace(slug)
}

// IP utilities
func extractIPFromRequest(remoteAddr, xForwardedFor, xRealIP string) string {
	// X-Forwarded-For can carry a chain; the client is the first hop
	if xForwardedFor != "" {
		ips := strings.Split(xForwardedFor, ",")
		clientIP := strings.TrimSpace(ips[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}

	if xRealIP != "" {
		if ip := strings.TrimSpace(xRealIP); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		if net.ParseIP(remoteAddr) != nil {
			return remoteAddr
		}
		return "unknown"
	}
	return host
}

// ClientIP extracts the requester's address the same way every handler does.
func ClientIP(r *http.Request) string {
	return extractIPFromRequest(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
}

// Helper function to format validation errors
func formatValidationErrors(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "email":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be a valid email address", fieldError.Field()))
			case "len":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be %s characters long", fieldError.Field(), fieldError.Param()))
			case "numeric":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must contain only digits", fieldError.Field()))
			case "max":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at most %s characters long", fieldError.Field(), fieldError.Param()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, "; ")
	}
	return err.Error()
}

// Security event types
const (
	EventLicenseRedeemed  = "license_redeemed"
	EventLicenseRejected  = "license_rejected"
	EventProductMismatch  = "license_product_mismatch"
	EventAccessCodeIssued = "access_code_issued"
	EventLoginSuccess     = "login_success"
	EventLoginFailed      = "login_failed"
	EventCodeReplayed     = "totp_code_replayed"
	EventSessionEnded     = "session_terminated"
)
