// Package webassistant implements the REST and WebSocket transports shared
// by every exchange adapter: rate-limiter-gated sends, retry on transient
// failure, and a structured error taxonomy callers can branch on.
//
// The REST assistant wraps go-resty (retry on 5xx/timeout, context-scoped
// calls); the WS assistant wraps gorilla/websocket with ping/pong
// keepalive, read/write deadlines, and an exponential-backoff reconnect
// loop that resends the subscribe payload on every redial.
package webassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"depthtracker/internal/ratelimit"
)

// ErrKind classifies a REST failure so callers can apply the error
// taxonomy from the error-handling design (transient network vs. parse vs.
// fatal) without string-matching.
type ErrKind int

const (
	ErrNetwork ErrKind = iota
	ErrTimeout
	ErrHTTPStatus
	ErrParse
)

// RESTError is the structured error surfaced by ExecuteRequest.
type RESTError struct {
	Kind       ErrKind
	StatusCode int
	Err        error
}

func (e *RESTError) Error() string {
	return fmt.Sprintf("webassistant: %s: %v", e.kindString(), e.Err)
}

func (e *RESTError) Unwrap() error { return e.Err }

func (e *RESTError) kindString() string {
	switch e.Kind {
	case ErrNetwork:
		return "network"
	case ErrTimeout:
		return "timeout"
	case ErrHTTPStatus:
		return "http_status"
	case ErrParse:
		return "parse"
	default:
		return "unknown"
	}
}

// RESTAssistant issues rate-limited HTTP calls against one exchange's REST
// base URL.
type RESTAssistant struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
}

// NewRESTAssistant builds a REST assistant with retry-on-5xx/timeout.
func NewRESTAssistant(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter) *RESTAssistant {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &RESTAssistant{http: client, limiter: limiter}
}

// ExecuteRequest gates on the rate limiter, issues the request, and decodes
// the JSON body into result. throttlerLimitID names the RateLimit this call
// is billed against.
func (a *RESTAssistant) ExecuteRequest(ctx context.Context, method, path string, params map[string]string, body any, headers map[string]string, throttlerLimitID string, result any) error {
	if err := a.limiter.Acquire(ctx, throttlerLimitID); err != nil {
		return &RESTError{Kind: ErrTimeout, Err: err}
	}

	req := a.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return &RESTError{Kind: ErrNetwork, Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	if resp.StatusCode() != http.StatusOK {
		return &RESTError{Kind: ErrHTTPStatus, StatusCode: resp.StatusCode(), Err: fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())}
	}
	if result != nil {
		if err := json.Unmarshal(resp.Body(), result); err != nil {
			return &RESTError{Kind: ErrParse, StatusCode: resp.StatusCode(), Err: fmt.Errorf("%s %s: decode body: %w", method, path, err)}
		}
	}
	return nil
}

// ExecuteRequestRaw is ExecuteRequest without JSON decoding: it returns the
// raw response body so the caller can hand it to an exchange adapter's
// parser, matching the []byte shape adapters already expect from the
// websocket path.
func (a *RESTAssistant) ExecuteRequestRaw(ctx context.Context, method, path string, params map[string]string, throttlerLimitID string) ([]byte, error) {
	if err := a.limiter.Acquire(ctx, throttlerLimitID); err != nil {
		return nil, &RESTError{Kind: ErrTimeout, Err: err}
	}

	req := a.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &RESTError{Kind: ErrNetwork, Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &RESTError{Kind: ErrHTTPStatus, StatusCode: resp.StatusCode(), Err: fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())}
	}
	return resp.Body(), nil
}
