package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/miniapp-gate/internal/adminapi"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func TestLoggingUnary_Passthrough(t *testing.T) {
	t.Parallel()

	ic := LoggingUnary(zaptest.NewLogger(t))
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})

	h := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: adminapi.GetSessionMethod}

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s, _ := resp.(string); s != "ok" {
		t.Fatalf("resp mismatch: %v", resp)
	}

	wantErr := errors.New("boom")
	hErr := func(ctx context.Context, req any) (any, error) { return nil, wantErr }
	_, err = ic(ctx, "req", info, hErr)
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	ic := RecoverUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: adminapi.RotateWebhookTokenMethod}

	panicH := func(ctx context.Context, req any) (any, error) {
		panic("oh no")
	}

	_, err := ic(context.Background(), "req", info, panicH)
	st, ok := status.FromError(err)
	if err == nil || !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}

	resp, err := ic(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) { return 42, nil })
	if err != nil || resp.(int) != 42 {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ic := AuthUnary(key, zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: adminapi.GetSessionMethod}

	var seen string
	h := func(ctx context.Context, req any) (any, error) {
		seen, _ = AdminFromCtx(ctx)
		return "ok", nil
	}

	j := makeJWT(t, "ops", key, jwt.SigningMethodHS256, time.Now().UTC().Add(-time.Minute), 10*time.Minute)
	if _, err := ic(ctxWithAuth(j), nil, info, h); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if seen != "ops" {
		t.Fatalf("subject not propagated: %q", seen)
	}

	_, err := ic(context.Background(), nil, info, h)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := ic(context.Background(), nil, health, h); err != nil {
		t.Fatalf("health must not require auth: %v", err)
	}
}
