package grpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"
)

func makeJWT(t *testing.T, sub string, key []byte, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
	token := jwt.NewWithClaims(method, claims)
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func ctxWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}

func Test_adminFromMD_Valid(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	j := makeJWT(t, "ops", key, jwt.SigningMethodHS256, time.Now().UTC().Add(-time.Minute), 10*time.Minute)

	sub, err := adminFromMD(ctxWithAuth(j), key)
	if err != nil {
		t.Fatalf("adminFromMD: %v", err)
	}
	if sub != "ops" {
		t.Fatalf("subject mismatch: %s", sub)
	}
}

func Test_adminFromMD_Rejects(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	now := time.Now().UTC()
	cases := map[string]context.Context{
		"no metadata":  context.Background(),
		"expired":      ctxWithAuth(makeJWT(t, "ops", key, jwt.SigningMethodHS256, now.Add(-2*time.Hour), -time.Hour)),
		"empty sub":    ctxWithAuth(makeJWT(t, " ", key, jwt.SigningMethodHS256, now, time.Hour)),
		"wrong alg":    ctxWithAuth(makeJWT(t, "ops", key, jwt.SigningMethodHS384, now, time.Hour)),
		"wrong key":    ctxWithAuth(makeJWT(t, "ops", []byte("other"), jwt.SigningMethodHS256, now, time.Hour)),
		"not a jwt":    ctxWithAuth("this-is-not-a-jwt"),
		"non-bearer":   metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo")),
		"empty bearer": metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   ")),
	}
	for name, ctx := range cases {
		if _, err := adminFromMD(ctx, key); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
}
