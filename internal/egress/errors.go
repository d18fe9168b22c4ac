package egress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrProxyAuth marks a rejected proxy credential (HTTP 407 or SOCKS5
	// authentication failure).
	ErrProxyAuth = errors.New("proxy authentication failed")
	// ErrAccessRestricted marks a geo-block or access denial (HTTP 451/403).
	ErrAccessRestricted = errors.New("access restricted")
)

// Class is the failure category the supervisor reacts to.
type Class int

const (
	ClassTransient Class = iota
	ClassProxyAuth
	ClassAccessDenied
)

func (c Class) String() string {
	switch c {
	case ClassProxyAuth:
		return "proxy_auth"
	case ClassAccessDenied:
		return "access_denied"
	default:
		return "transient"
	}
}

// FromStatus wraps err with the sentinel matching an HTTP status code.
func FromStatus(code int, err error) error {
	if err == nil {
		err = fmt.Errorf("status %d", code)
	}
	switch code {
	case http.StatusProxyAuthRequired:
		return fmt.Errorf("%w: %w", ErrProxyAuth, err)
	case http.StatusUnavailableForLegalReasons, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAccessRestricted, err)
	default:
		return err
	}
}

// Classify maps an error to its failure class. Sentinels win; otherwise the
// message is inspected since proxy dialers only report text.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	switch {
	case errors.Is(err, ErrProxyAuth):
		return ClassProxyAuth
	case errors.Is(err, ErrAccessRestricted):
		return ClassAccessDenied
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range proxyAuthPhrases {
		if strings.Contains(msg, phrase) {
			return ClassProxyAuth
		}
	}
	for _, phrase := range accessDeniedPhrases {
		if strings.Contains(msg, phrase) {
			return ClassAccessDenied
		}
	}
	return ClassTransient
}

// Status phrases as written by net/http, gorilla/websocket and the SOCKS5
// dialer. Bare codes are not matched; they collide with ports and addresses.
var (
	proxyAuthPhrases = []string{
		"proxy authentication required",
		"username/password authentication failed",
	}
	accessDeniedPhrases = []string{
		"unavailable for legal reasons",
		"restricted location",
	}
)
