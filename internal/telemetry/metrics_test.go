package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentRecordsStatusClass(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx"))

	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx")))
	assert.Zero(t, testutil.ToFloat64(InFlight.WithLabelValues("test_op")))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "ok", Status(""))
	assert.Equal(t, "error", Status("connection lost"))
}

func TestMetricsHandlerExposesRegistry(t *testing.T) {
	SetBuildInfo("v1.2.3", "abc123")
	CallsTotal.WithLabelValues("unicast").Inc()

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `zephyrmesh_build_info{git_sha="abc123",version="v1.2.3"} 1`), text)
	assert.Contains(t, text, `zephyrmesh_rpc_calls_total{kind="unicast"}`)
	assert.Contains(t, text, "zephyrmesh_uptime_seconds")
	assert.Contains(t, text, "go_goroutines")
}
