package interceptors

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/arklim/anticheat-authz/internal/core/domain"
)

type recordingLimiter struct {
	decision domain.RateLimitDecision
	class    string
	client   string
}

func (l *recordingLimiter) Check(_ context.Context, class, clientID string) domain.RateLimitDecision {
	l.class, l.client = class, clientID
	return l.decision
}

func withPeer(ctx context.Context) context.Context {
	return peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 50051}})
}

func okHandler(context.Context, any) (any, error) { return "ok", nil }

func TestRateLimitInterceptorKeysByPeerHost(t *testing.T) {
	limiter := &recordingLimiter{decision: domain.RateLimitDecision{Allowed: true, Limit: 600, Remaining: 599}}
	interceptor := RateLimitInterceptor(limiter, "m2m")

	if _, err := interceptor(withPeer(context.Background()), struct{}{}, privateMethod, okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.class != "m2m" || limiter.client != "10.1.2.3" {
		t.Fatalf("unexpected key: class=%q client=%q", limiter.class, limiter.client)
	}
}

func TestRateLimitInterceptorRejectsWithResourceExhausted(t *testing.T) {
	limiter := &recordingLimiter{decision: domain.RateLimitDecision{
		Allowed:    false,
		Limit:      600,
		ResetAt:    time.Now().Add(time.Second),
		RetryAfter: 1500 * time.Millisecond,
	}}
	interceptor := RateLimitInterceptor(limiter, "m2m")

	_, err := interceptor(withPeer(context.Background()), struct{}{}, privateMethod, mustNotRun(t))
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
}

func TestRateLimitInterceptorPassesDegradedAndAnonymousPeers(t *testing.T) {
	degraded := RateLimitInterceptor(&recordingLimiter{decision: domain.RateLimitDecision{Allowed: true, Degraded: true}}, "m2m")
	if _, err := degraded(withPeer(context.Background()), struct{}{}, privateMethod, okHandler); err != nil {
		t.Fatalf("degraded decision should pass, got %v", err)
	}

	limiter := &recordingLimiter{decision: domain.RateLimitDecision{Allowed: false}}
	noPeer := RateLimitInterceptor(limiter, "m2m")
	if _, err := noPeer(context.Background(), struct{}{}, privateMethod, okHandler); err != nil {
		t.Fatalf("call without peer should pass, got %v", err)
	}
	if limiter.client != "" {
		t.Fatalf("limiter should not be consulted without a peer")
	}

	var nilLimiter grpc.UnaryServerInterceptor = RateLimitInterceptor(nil, "m2m")
	if _, err := nilLimiter(withPeer(context.Background()), struct{}{}, privateMethod, okHandler); err != nil {
		t.Fatalf("nil limiter should pass, got %v", err)
	}
}
