package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
)

// Policy is the limit for a category and what to do when the quota store is
// unreachable. FailOpen admits calls with a degraded decision; otherwise the
// BackendUnavailableError reaches the caller.
type Policy struct {
	Limit    domain.LimitSpec
	FailOpen bool
}

// Guard composes category resolution, consumption and the outage policy.
type Guard struct {
	limiter  *Limiter
	resolver *Resolver
	policies map[domain.Category]Policy
	logger   *slog.Logger
}

// NewGuard checks that every category the resolver can produce has a valid
// policy.
func NewGuard(limiter *Limiter, resolver *Resolver, policies map[domain.Category]Policy, logger *slog.Logger) (*Guard, error) {
	for c, p := range policies {
		if !c.Known() {
			return nil, fmt.Errorf("policy for unknown category %q", c)
		}
		if err := p.Limit.Validate(); err != nil {
			return nil, fmt.Errorf("policy for %q: %w", c, err)
		}
	}
	for _, c := range resolver.Categories() {
		if _, ok := policies[c]; !ok {
			return nil, fmt.Errorf("no policy configured for category %q", c)
		}
	}
	return &Guard{limiter: limiter, resolver: resolver, policies: policies, logger: logger}, nil
}

// Admit consumes one unit for action on behalf of partition. A denied call
// returns the decision together with a *domain.LimitExceededError.
func (g *Guard) Admit(ctx context.Context, partition, action string) (domain.RateDecision, error) {
	category, err := g.resolver.Resolve(action)
	if err != nil {
		return domain.RateDecision{}, err
	}
	policy, ok := g.policies[category]
	if !ok {
		return domain.RateDecision{}, &domain.UnknownActionError{Action: action}
	}

	decision, err := g.limiter.Consume(ctx, partition, category, policy.Limit, 1)
	if err != nil {
		var unavailable *domain.BackendUnavailableError
		if !errors.As(err, &unavailable) || !policy.FailOpen {
			return decision, err
		}
		g.logger.Warn("quota store unavailable, admitting without counting",
			slog.String("category", string(category)),
			slog.String("partition", MaskPartition(partition)),
			slog.String("error", err.Error()),
		)
		telemetry.RateLimitDecisions.WithLabelValues(string(category), "degraded").Inc()
		decision.Allowed = true
		decision.Remaining = decision.Limit
		decision.Degraded = true
		return decision, nil
	}

	if !decision.Allowed {
		telemetry.RateLimitDecisions.WithLabelValues(string(category), "denied").Inc()
		g.logger.Info("rate limit exceeded",
			slog.String("category", string(category)),
			slog.String("partition", MaskPartition(partition)),
			slog.Time("reset_at", decision.ResetAt),
		)
		return decision, &domain.LimitExceededError{Decision: decision}
	}
	telemetry.RateLimitDecisions.WithLabelValues(string(category), "allowed").Inc()
	return decision, nil
}

// Resolve exposes the guard's category mapping.
func (g *Guard) Resolve(action string) (domain.Category, error) {
	return g.resolver.Resolve(action)
}

// Limiter is the underlying limiter.
func (g *Guard) Limiter() *Limiter { return g.limiter }
