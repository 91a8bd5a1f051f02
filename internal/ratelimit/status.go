package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderCategory  = "X-RateLimit-Category"
	HeaderDegraded  = "X-RateLimit-Degraded"
	HeaderRetry     = "Retry-After"
)

// QuotaStatus is one category's standing in a quota snapshot.
type QuotaStatus struct {
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Snapshot checks every configured category for partition without consuming
// quota.
func (g *Guard) Snapshot(ctx context.Context, partition string) (map[domain.Category]QuotaStatus, error) {
	out := make(map[domain.Category]QuotaStatus, len(g.policies))
	for _, c := range domain.Categories {
		policy, ok := g.policies[c]
		if !ok {
			continue
		}
		d, err := g.limiter.Check(ctx, partition, c, policy.Limit)
		if err != nil {
			return nil, err
		}
		out[c] = QuotaStatus{Limit: d.Limit, Remaining: d.Remaining, ResetAt: d.ResetAt}
	}
	return out, nil
}

// WriteHeaders sets the rate-limit headers for d. Retry-After is only set on
// denied decisions.
func WriteHeaders(h http.Header, d domain.RateDecision) {
	writeHeadersAt(h, d, time.Now())
}

// WriteHeaders is the package-level WriteHeaders using the guard's clock.
func (g *Guard) WriteHeaders(h http.Header, d domain.RateDecision) {
	writeHeadersAt(h, d, g.limiter.Now())
}

func writeHeadersAt(h http.Header, d domain.RateDecision, now time.Time) {
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set(HeaderCategory, string(d.Category))
	if d.Degraded {
		h.Set(HeaderDegraded, "true")
	}
	if !d.Allowed {
		h.Set(HeaderRetry, strconv.FormatInt(retryAfterSeconds(d, now), 10))
	}
}

// retryAfterSeconds rounds up so a client never retries before the reset.
func retryAfterSeconds(d domain.RateDecision, now time.Time) int64 {
	secs := int64(math.Ceil(d.RetryAfter(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type limitExceededBody struct {
	Error             string          `json:"error"`
	Message           string          `json:"message"`
	Category          domain.Category `json:"category"`
	Limit             int64           `json:"limit"`
	Remaining         int64           `json:"remaining"`
	ResetAt           time.Time       `json:"reset_at"`
	RetryAfterSeconds int64           `json:"retry_after_seconds"`
}

// WriteLimitExceeded sends a 429 carrying reset_at in both headers and body.
func WriteLimitExceeded(w http.ResponseWriter, d domain.RateDecision) {
	writeLimitExceededAt(w, d, time.Now())
}

func writeLimitExceededAt(w http.ResponseWriter, d domain.RateDecision, now time.Time) {
	writeHeadersAt(w.Header(), d, now)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(limitExceededBody{
		Error:             "rate_limit_exceeded",
		Message:           (&domain.LimitExceededError{Decision: d}).Error(),
		Category:          d.Category,
		Limit:             d.Limit,
		Remaining:         d.Remaining,
		ResetAt:           d.ResetAt,
		RetryAfterSeconds: retryAfterSeconds(d, now),
	})
}
