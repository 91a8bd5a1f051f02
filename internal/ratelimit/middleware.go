package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

// PartitionFunc extracts the rate-limit partition from a request. An empty
// result means the caller has no identity.
type PartitionFunc func(r *http.Request) string

type decisionKey struct{}

// DecisionFromContext returns the decision the middleware made for this
// request.
func DecisionFromContext(ctx context.Context) (domain.RateDecision, bool) {
	d, ok := ctx.Value(decisionKey{}).(domain.RateDecision)
	return d, ok
}

// Middleware consumes one unit of the route's category before calling next.
// The action is "METHOD /path" of the concrete request. Routes the resolver
// does not know are a wiring bug and answer 500 rather than going unlimited.
func Middleware(g *Guard, partition PartitionFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := partition(r)
			if p == "" {
				writeError(w, http.StatusUnauthorized, "caller identity required")
				return
			}

			decision, err := g.Admit(r.Context(), p, r.Method+" "+r.URL.Path)
			if err != nil {
				var (
					exceeded    *domain.LimitExceededError
					unavailable *domain.BackendUnavailableError
					unknown     *domain.UnknownActionError
				)
				switch {
				case errors.As(err, &exceeded):
					writeLimitExceededAt(w, exceeded.Decision, g.limiter.Now())
				case errors.As(err, &unavailable):
					decision.Allowed = false
					decision.Remaining = 0
					g.WriteHeaders(w.Header(), decision)
					writeError(w, http.StatusServiceUnavailable, "quota service unavailable")
				case errors.As(err, &unknown):
					logger.Error("route has no quota category", slog.String("action", unknown.Action))
					writeError(w, http.StatusInternalServerError, "internal error")
				default:
					logger.Error("rate limit admit failed", slog.String("error", err.Error()))
					writeError(w, http.StatusInternalServerError, "internal error")
				}
				return
			}

			g.WriteHeaders(w.Header(), decision)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, decision)))
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
