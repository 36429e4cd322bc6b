package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeExposesRegisteredMetrics(t *testing.T) {
	r := New()
	r.ChangelistsCommitted.Inc()
	r.ChangelistsCommitted.Inc()
	r.FilesDownloaded.Add(5)
	r.QueueDepth.Set(3)

	handler := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, req)

	body := rw.Body.String()
	assert.Contains(t, body, "depotfusion_changelists_committed_total 2")
	assert.Contains(t, body, "depotfusion_files_downloaded_total 5")
	assert.Contains(t, body, "depotfusion_scheduler_queue_depth 3")
}

func TestServeRejectsBadAddr(t *testing.T) {
	r := New()
	_, err := r.Serve(context.Background(), "not-a-valid-addr::::")
	assert.Error(t, err)
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := r.Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	cancel()
	time.Sleep(50 * time.Millisecond)
	_, err = http.Get(fmt.Sprintf("http://%s/metrics", srv.Addr))
	assert.Error(t, err, "server should have stopped accepting connections")
}
