package approval

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "shared-secret"

type fakeService struct {
	polls        int
	approveAfter int
	terminal     string // status reported once approveAfter polls elapsed
	gotSign      string
	gotAuth      string
	gotBody      []byte
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {
		f.gotAuth = r.Header.Get("Authorization")
		f.gotSign = r.Header.Get("X-Sign")
		f.gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{"id": "appr-1"})
	})
	mux.HandleFunc("/status/appr-1", func(w http.ResponseWriter, r *http.Request) {
		f.polls++
		status := "pending"
		if f.polls > f.approveAfter {
			status = f.terminal
		}
		json.NewEncoder(w).Encode(map[string]any{
			"record": map[string]string{"status": status, "actor": "friend"},
		})
	})
	return mux
}

func newTestClient(url string, timeout time.Duration) *Client {
	c := New(url, testSecret, timeout)
	c.pollInterval = 5 * time.Millisecond
	return c
}

func TestRequireApproved(t *testing.T) {
	svc := &fakeService{approveAfter: 2, terminal: "approved"}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	id, err := newTestClient(srv.URL, time.Second).Require(context.Background(), "disable_breaker", "MAIN", "maintenance")
	require.NoError(t, err)
	require.Equal(t, "appr-1", id)

	// request must be authenticated and signed
	require.Equal(t, "Bearer "+testSecret, svc.gotAuth)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(svc.gotBody)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), svc.gotSign)
}

func TestRequireDenied(t *testing.T) {
	svc := &fakeService{terminal: "denied"}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Require(context.Background(), "disable_breaker", "MAIN", "")
	require.ErrorIs(t, err, ErrDenied)
}

func TestRequireExpired(t *testing.T) {
	svc := &fakeService{terminal: "expired"}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Require(context.Background(), "disable_breaker", "MAIN", "")
	require.ErrorIs(t, err, ErrExpired)
}

func TestRequireTimesOutWhilePending(t *testing.T) {
	svc := &fakeService{approveAfter: 1 << 30, terminal: "approved"}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	_, err := newTestClient(srv.URL, 50*time.Millisecond).Require(context.Background(), "disable_breaker", "MAIN", "")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRequireNilClientSkips(t *testing.T) {
	var c *Client
	id, err := c.Require(context.Background(), "disable_breaker", "MAIN", "")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestRequireNeedsSecret(t *testing.T) {
	c := New("http://127.0.0.1:1", "", time.Second)
	_, err := c.Require(context.Background(), "disable_breaker", "MAIN", "")
	require.Error(t, err)
}
