package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestInstrumentRecordsStatusClass(t *testing.T) {
	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	body := scrape(t)
	require.Contains(t, body, `zephyrmesh_requests_total{op="test_op",status="4xx"} 1`)
	require.Contains(t, body, `zephyrmesh_request_duration_seconds_count{op="test_op"} 1`)
}

func TestMeshSeriesAndForgetNode(t *testing.T) {
	Term.WithLabelValues("metrics-node").Set(7)
	MessagesTotal.WithLabelValues("metrics-node", "in", "gossip").Inc()
	SetBuildInfo("v-test", "abc")

	body := scrape(t)
	require.Contains(t, body, `zephyrmesh_raft_term{node="metrics-node"} 7`)
	require.Contains(t, body, `zephyrmesh_messages_total{direction="in",kind="gossip",node="metrics-node"} 1`)
	require.Contains(t, body, `zephyrmesh_build_info{git_sha="abc",version="v-test"} 1`)

	ForgetNode("metrics-node")
	require.NotContains(t, scrape(t), `node="metrics-node"`)
}
