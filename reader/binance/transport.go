package binance

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/adshao/go-binance/v2/common"

	"pricecore/internal/egress"
	"pricecore/logger"
)

var (
	// ErrMalformedPayload marks a reply or stream message that could not be
	// decoded into a price.
	ErrMalformedPayload = errors.New("malformed payload")
	errNotConnected     = errors.New("stream not connected")
)

// StatusError is a non-2xx reply from the REST API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("binance returned status %d: %s", e.Code, body)
}

// Rejected reports whether the exchange refused the request itself, as for an
// unknown symbol. Rate limits, bans and access denials are not rejections.
func (e *StatusError) Rejected() bool {
	switch e.Code {
	case http.StatusForbidden, http.StatusProxyAuthRequired, http.StatusTeapot,
		http.StatusTooManyRequests, http.StatusUnavailableForLegalReasons:
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// sdkError keeps request errors reported by the SDK (codes -1100 to -1199,
// e.g. -1121 invalid symbol) recognisable as rejections.
func sdkError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code <= -1100 && apiErr.Code > -1200 {
		err = &StatusError{Code: http.StatusBadRequest, Body: apiErr.Error()}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.agent != "" {
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// statusGuardTransport turns proxy-auth and geo-block replies into classified
// errors before the SDK parses them as API errors.
type statusGuardTransport struct {
	base http.RoundTripper
}

func (t statusGuardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusProxyAuthRequired, http.StatusUnavailableForLegalReasons, http.StatusForbidden:
		resp.Body.Close()
		return nil, egress.FromStatus(resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: resp.Status})
	}
	return resp, nil
}

func reportUsedWeight(log *logger.Log, header http.Header, route string) {
	usedStr := header.Get("X-MBX-USED-WEIGHT-1m")
	if usedStr == "" {
		return
	}
	used, err := strconv.ParseInt(usedStr, 10, 64)
	if err != nil {
		return
	}
	log.LogMetric("binance_rest", "used_weight", used, "gauge", logger.Fields{"route": route})
}
