package provider

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// StatusError is a non-2xx gateway response outside the sync taxonomy
// (4xx other than 401/403/429). The engine treats it as transient.
type StatusError struct {
	Code    int
	ErrCode string
	Message string
}

func (e *StatusError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("gateway status %d (%s): %s", e.Code, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("gateway status %d: %s", e.Code, e.Message)
}

// errorBody is the gateway's error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes the gateway uses for grants Google has revoked.
var revokedCodes = map[string]bool{
	"invalid_grant": true,
	"revoked":       true,
	"token_revoked": true,
}

// classifyResponse maps a failed gateway response onto the sync taxonomy.
//
//	401/403  credential (revoked when the body says so)
//	429      rate_limit with the Retry-After hint
//	5xx      transient
//	other    *StatusError
func classifyResponse(status int, header http.Header, body []byte, now time.Time) error {
	eb := decodeErrorBody(body)
	msg := eb.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	base := &StatusError{Code: status, ErrCode: eb.Code, Message: msg}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewCredentialError(base, revokedCodes[strings.ToLower(eb.Code)])
	case status == http.StatusTooManyRequests:
		return domain.NewRateLimitError(base, parseRetryAfter(header.Get("Retry-After"), now))
	case status >= 500:
		return domain.NewTransientError(base)
	}
	return base
}

func decodeErrorBody(body []byte) errorBody {
	var eb errorBody
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		eb.Message = truncate(string(body), 200)
		return eb
	}
	if err := sonic.Unmarshal(body, &eb); err != nil {
		eb.Message = truncate(string(body), 200)
	}
	return eb
}

// parseRetryAfter accepts delta-seconds or an HTTP-date. Unparseable or
// past values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
