package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromCtx(r.Context())
	}))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.FromString(seen)
	require.NoError(t, err)
	require.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	in := uuid.Must(uuid.NewV4()).String()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, in)
	serve(h, req)
	require.Equal(t, in, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	serve(h, req)
	require.NotEqual(t, "<script>", seen)
}

func TestRecover(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := Recover(log)(Logging(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("oh no")
	})))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLogging_CapturesStatus(t *testing.T) {
	h := Logging(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "short and stout", rec.Body.String())
}
