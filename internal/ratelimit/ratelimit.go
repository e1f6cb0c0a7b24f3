// Markpad is a collaborative markdown workspace service.
// Copyright (C) 2025 Markpad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package ratelimit implements fixed-window rate limiting with counters
// persisted in the shared store, so limits survive restarts and are
// shared across instances. Counters are keyed "<operation>:<identifier>".
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"markpad/internal/store"
)

// Limit is one operation's budget: at most Limit requests per Window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Operations with a configured budget. Anything the classifier emits
// must appear here.
const (
	OpBootstrap       = "bootstrap"
	OpRead            = "read"
	OpWrite           = "write"
	OpAppend          = "append"
	OpSearch          = "search"
	OpSubscribe       = "subscribe"
	OpBulk            = "bulk"
	OpWebhookCreate   = "webhook_create"
	OpCapabilityCheck = "capability_check"
)

// DefaultLimits returns the built-in per-operation budgets.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		OpBootstrap:       {Limit: 10, Window: time.Hour},
		OpRead:            {Limit: 1000, Window: time.Minute},
		OpWrite:           {Limit: 100, Window: time.Minute},
		OpAppend:          {Limit: 400, Window: time.Minute},
		OpSearch:          {Limit: 60, Window: time.Minute},
		OpSubscribe:       {Limit: 10, Window: time.Minute},
		OpBulk:            {Limit: 30, Window: time.Minute},
		OpWebhookCreate:   {Limit: 20, Window: time.Hour},
		OpCapabilityCheck: {Limit: 5, Window: time.Minute},
	}
}

// LimitsFromEnv overlays RATE_LIMIT_<OP>_LIMIT and
// RATE_LIMIT_<OP>_WINDOW_MS overrides onto the defaults. Values that do
// not parse as positive integers silently keep the default.
func LimitsFromEnv(getenv func(string) string) map[string]Limit {
	limits := DefaultLimits()
	for op, l := range limits {
		envOp := strings.ToUpper(op)
		if v := getenv("RATE_LIMIT_" + envOp + "_LIMIT"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				l.Limit = n
			}
		}
		if v := getenv("RATE_LIMIT_" + envOp + "_WINDOW_MS"); v != "" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
				l.Window = time.Duration(ms) * time.Millisecond
			}
		}
		limits[op] = l
	}
	return limits
}

// Result reports one admission decision plus everything needed to build
// the response headers and, on denial, the 429 body.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    int64 // unix seconds when the window resets
	RetryAfter int   // seconds, only meaningful when denied
	Window     time.Duration
}

// Engine checks and consumes fixed-window counters.
type Engine struct {
	store  *store.Store
	limits map[string]Limit
	logger *log.Logger
	now    func() time.Time
}

// New builds an engine over the shared store. limits is usually
// LimitsFromEnv(os.Getenv); nil falls back to the defaults.
func New(s *store.Store, limits map[string]Limit, logger *log.Logger) *Engine {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Engine{store: s, limits: limits, logger: logger, now: time.Now}
}

func (e *Engine) limitFor(operation string, custom *Limit) Limit {
	if custom != nil && custom.Limit > 0 {
		l := *custom
		if l.Window <= 0 {
			if def, ok := e.limits[operation]; ok {
				l.Window = def.Window
			} else {
				l.Window = time.Minute
			}
		}
		return l
	}
	if l, ok := e.limits[operation]; ok {
		return l
	}
	return e.limits[OpRead]
}

// Check consumes one unit from the counter for (identifier, operation)
// and reports whether the request is admitted. Concurrent checks on the
// same key race with last-write-wins; the window occasionally admits
// one extra request, which is accepted.
func (e *Engine) Check(ctx context.Context, identifier, operation string, custom *Limit) (Result, error) {
	l := e.limitFor(operation, custom)
	key := operation + ":" + identifier
	nowMs := e.now().UnixMilli()
	windowMs := l.Window.Milliseconds()

	row, err := e.store.GetRateLimit(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("rate limit lookup: %w", err)
	}

	if row == nil || row.WindowStart < nowMs-windowMs {
		// First request of a fresh window.
		if err := e.store.PutRateLimit(ctx, store.RateLimitRow{Key: key, Count: 1, WindowStart: nowMs}); err != nil {
			return Result{}, fmt.Errorf("rate limit start window: %w", err)
		}
		return Result{
			Allowed:   true,
			Limit:     l.Limit,
			Remaining: l.Limit - 1,
			ResetAt:   (nowMs + windowMs) / 1000,
			Window:    l.Window,
		}, nil
	}

	if row.Count >= l.Limit {
		retry := int(math.Ceil(float64(row.WindowStart+windowMs-nowMs) / 1000))
		if retry < 1 {
			retry = 1
		}
		return Result{
			Allowed:    false,
			Limit:      l.Limit,
			Remaining:  0,
			ResetAt:    (row.WindowStart + windowMs) / 1000,
			RetryAfter: retry,
			Window:     l.Window,
		}, nil
	}

	if err := e.store.PutRateLimit(ctx, store.RateLimitRow{Key: key, Count: row.Count + 1, WindowStart: row.WindowStart}); err != nil {
		return Result{}, fmt.Errorf("rate limit increment: %w", err)
	}
	return Result{
		Allowed:   true,
		Limit:     l.Limit,
		Remaining: l.Limit - (row.Count + 1),
		ResetAt:   (row.WindowStart + windowMs) / 1000,
		Window:    l.Window,
	}, nil
}

// Status reports the counter state without consuming.
func (e *Engine) Status(ctx context.Context, identifier, operation string, custom *Limit) (Result, error) {
	l := e.limitFor(operation, custom)
	key := operation + ":" + identifier
	nowMs := e.now().UnixMilli()
	windowMs := l.Window.Milliseconds()

	row, err := e.store.GetRateLimit(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("rate limit status: %w", err)
	}
	if row == nil || row.WindowStart < nowMs-windowMs {
		return Result{
			Allowed:   true,
			Limit:     l.Limit,
			Remaining: l.Limit,
			ResetAt:   (nowMs + windowMs) / 1000,
			Window:    l.Window,
		}, nil
	}
	remaining := l.Limit - row.Count
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   row.Count < l.Limit,
		Limit:     l.Limit,
		Remaining: remaining,
		ResetAt:   (row.WindowStart + windowMs) / 1000,
		Window:    l.Window,
	}
	if !res.Allowed {
		retry := int(math.Ceil(float64(row.WindowStart+windowMs-nowMs) / 1000))
		if retry < 1 {
			retry = 1
		}
		res.RetryAfter = retry
	}
	return res, nil
}

// CleanupExpired deletes counters whose window closed longer than the
// largest configured window ago. Run periodically by the scheduler.
func (e *Engine) CleanupExpired(ctx context.Context) (int64, error) {
	var maxWindow time.Duration
	for _, l := range e.limits {
		if l.Window > maxWindow {
			maxWindow = l.Window
		}
	}
	cutoff := e.now().UnixMilli() - maxWindow.Milliseconds()
	n, err := e.store.DeleteRateLimitsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logf("cleaned up %d expired rate limit rows", n)
	}
	return n, nil
}

// SetHeaders writes the X-RateLimit-* trio, and Retry-After on denial.
// Applied to every admitted or rejected response.
func SetHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
	}
}

// ErrorBody is the JSON payload of a 429 response.
type ErrorBody struct {
	OK    bool       `json:"ok"`
	Error ErrorInner `json:"error"`
}

type ErrorInner struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details ErrorDetails `json:"details"`
}

type ErrorDetails struct {
	Limit             int    `json:"limit"`
	Window            string `json:"window"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
	ResetAt           string `json:"resetAt"`
}

// BuildErrorBody renders the denial payload for a 429 response.
func BuildErrorBody(res Result) ErrorBody {
	return ErrorBody{
		OK: false,
		Error: ErrorInner{
			Code:    "RATE_LIMITED",
			Message: fmt.Sprintf("Rate limit exceeded. Please retry after %d seconds.", res.RetryAfter),
			Details: ErrorDetails{
				Limit:             res.Limit,
				Window:            FormatWindow(res.Window),
				RetryAfterSeconds: res.RetryAfter,
				ResetAt:           time.Unix(res.ResetAt, 0).UTC().Format(time.RFC3339),
			},
		},
	}
}

// FormatWindow renders a window duration as "1m", "1h", or seconds.
func FormatWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("[ratelimit] "+format, args...)
	}
}
