package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smsbot/internal/orders"
	rtsup "smsbot/internal/runtime/supervisor"
	logx "smsbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestCheckBind(t *testing.T) {
	for _, addr := range []string{"", "127.0.0.1:8081", "localhost:9000", "[::1]:80"} {
		require.NoError(t, checkBind(Config{Addr: addr}), addr)
	}
	require.Error(t, checkBind(Config{Addr: "0.0.0.0:8081"}))
	require.Error(t, checkBind(Config{Addr: "nonsense"}))
	require.NoError(t, checkBind(Config{Addr: "0.0.0.0:8081", AllowNonLocal: true}))
}

func TestHealthz(t *testing.T) {
	snaps := map[string]rtsup.Snapshot{"app": {Active: 3}}
	s, err := New(Config{}, Sources{Supervisors: func() map[string]rtsup.Snapshot { return snaps }}, logx.Nop())
	require.NoError(t, err)

	rec := get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.EqualValues(t, 3, body.Supervisors["app"].Active)

	snaps["telegram"] = rtsup.Snapshot{FirstError: "poll failed"}
	rec = get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOrders(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	s, err := New(Config{}, Sources{Orders: func() []orders.Order {
		return []orders.Order{{ID: "o1", UserID: "u1", Status: orders.StatusPending, CreatedAt: created}}
	}}, logx.Nop())
	require.NoError(t, err)

	rec := get(t, s.Handler(), "/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	var body ordersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "o1", body.Orders[0].ID)
	require.Equal(t, "pending", body.Orders[0].Status)
}

func TestPprofRoutesFollowConfig(t *testing.T) {
	off, err := New(Config{}, Sources{}, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, get(t, off.Handler(), "/debug/pprof/").Code)

	on, err := New(Config{Pprof: true}, Sources{}, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, get(t, on.Handler(), "/debug/pprof/").Code)
	require.Equal(t, http.StatusOK, get(t, on.Handler(), "/debug/pprof/goroutine?debug=1").Code)
}

func TestStartServesAndStops(t *testing.T) {
	s, err := New(Config{Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sup := rtsup.New(ctx)
	require.NoError(t, s.Start(ctx, sup))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	waitCtx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()
	require.NoError(t, sup.Wait(waitCtx))
	require.Empty(t, s.Addr())
}
