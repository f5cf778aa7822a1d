package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwetl/internal/metrics"
)

func TestNewBackend_Validation(t *testing.T) {
	_, err := NewBackend("job", "")
	assert.Error(t, err)

	b, err := NewBackend("", "http://localhost:9091")
	require.NoError(t, err)
	assert.Equal(t, "dwetl", b.jobName)
}

func TestBackend_Counters(t *testing.T) {
	b, err := NewBackend("ptxyz_dw", "http://localhost:9091")
	require.NoError(t, err)

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "connect", "status": "success"})
	b.IncCounter(metrics.RecordsTotal, 9, metrics.Labels{"area": "Production", "kind": "inserted"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"area": "Production", "kind": "failed"})
	b.IncCounter(metrics.BatchesTotal, 2, metrics.Labels{"area": "Production"})
	b.IncCounter("unknown_metric", 1, nil)
	b.ObserveHistogram(metrics.StepDuration, 0.25, metrics.Labels{"step": "connect", "status": "success"})

	assert.Equal(t, 1.0, testutil.ToFloat64(b.stepCounter.WithLabelValues("connect", "success")))
	assert.Equal(t, 9.0, testutil.ToFloat64(b.recordCounter.WithLabelValues("Production", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.recordCounter.WithLabelValues("Production", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.batchCounter.WithLabelValues("Production")))
	assert.Equal(t, 1, testutil.CollectAndCount(b.stepDuration))
}

func TestBackend_FlushPushesToGateway(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("ptxyz_dw", srv.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"area": "EquipmentUsage", "kind": "read"})

	require.NoError(t, b.Flush())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/ptxyz_dw", path)
	assert.Contains(t, body, metrics.RecordsTotal)
}

func TestBackend_FlushReportsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("ptxyz_dw", srv.URL)
	require.NoError(t, err)
	assert.Error(t, b.Flush())
}
