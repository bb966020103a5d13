package probe

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheck_EmptyTargetAlwaysPasses(t *testing.T) {
	prober := New("", time.Second, discardLogger())

	assert.True(t, prober.Check("http://127.0.0.1:1"))
}

func TestCheck_InvalidAddress(t *testing.T) {
	prober := New("http://example.com/ping", time.Second, discardLogger())

	assert.False(t, prober.Check("not a url"))
	assert.False(t, prober.Check(""))
}

func TestCheck_HealthyProxy(t *testing.T) {
	// The test server acts as the proxy itself: a forward proxy receives the
	// full target URL and answers on its behalf.
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	prober := New("http://target.invalid/ping", 2*time.Second, discardLogger())

	assert.True(t, prober.Check(proxy.URL))
}

func TestCheck_Non2xxIsUnhealthy(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer proxy.Close()

	prober := New("http://target.invalid/ping", 2*time.Second, discardLogger())

	assert.False(t, prober.Check(proxy.URL))
}

func TestCheck_UnreachableProxy(t *testing.T) {
	prober := New("http://target.invalid/ping", 500*time.Millisecond, discardLogger())

	// Port 1 is reserved and nothing listens there.
	assert.False(t, prober.Check("http://127.0.0.1:1"))
}
