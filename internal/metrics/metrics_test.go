package metrics

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus(t *testing.T) {
	m := NewPrometheus("test")
	m.Sent("normal")
	m.Sent("normal")
	m.Sent("stasis")
	m.Dropped("checksum")
	m.Round(time.Millisecond, "confirmed")
	m.Cycle(42, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sent.WithLabelValues("normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("checksum")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.cycle))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.peers))

	w := httptest.NewRecorder()
	m.Exporter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `test_packets_sent_total{state="stasis"} 1`), w.Body.String())
}

func TestHandler(t *testing.T) {
	m := NewPrometheus("test")
	h := Handler(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
		}
		_, _ = w.Write([]byte("ok")) // nolint:errcheck
	}))

	for _, path := range []string{"/ok", "/fail", "/ok"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		body, err := ioutil.ReadAll(w.Body)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(body))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reqCount))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errCount))

	// a nil recorder passes requests through
	w := httptest.NewRecorder()
	Handler(nil, http.NotFoundHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDummy(t *testing.T) {
	m := NewDummy()
	m.Sent("normal")
	m.Dropped("short")
	m.Round(time.Second, "timeout")
	m.Cycle(1, 0)
	m.Record(time.Second, true)
}
