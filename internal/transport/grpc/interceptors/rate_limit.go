package interceptors

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/arklim/anticheat-authz/internal/core/domain"
)

// Limiter decides admission for one call of a class from a client.
type Limiter interface {
	Check(ctx context.Context, class, clientID string) domain.RateLimitDecision
}

// RateLimitInterceptor admits unary calls of class keyed by the caller's peer
// host. Calls without a resolvable peer pass unchecked.
func RateLimitInterceptor(limiter Limiter, class string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if limiter == nil {
			return handler(ctx, req)
		}

		clientID, ok := peerHost(ctx)
		if !ok {
			return handler(ctx, req)
		}

		decision := limiter.Check(ctx, class, clientID)
		if decision.Degraded {
			return handler(ctx, req)
		}

		header := metadata.Pairs(
			"x-ratelimit-limit", strconv.Itoa(decision.Limit),
			"x-ratelimit-remaining", strconv.Itoa(max(decision.Remaining, 0)),
			"x-ratelimit-reset", strconv.FormatInt(decision.ResetAt.Unix(), 10),
		)
		if !decision.Allowed {
			header.Set("retry-after", strconv.Itoa(decision.RetryAfterSeconds()))
			_ = grpc.SetHeader(ctx, header)
			return nil, status.Error(codes.ResourceExhausted,
				fmt.Sprintf("rate limit exceeded, retry in %d seconds", decision.RetryAfterSeconds()))
		}

		_ = grpc.SetHeader(ctx, header)
		return handler(ctx, req)
	}
}

func peerHost(ctx context.Context) (string, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "", false
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return addr, addr != ""
}
