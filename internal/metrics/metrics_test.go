package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryHandlerExposesRegisteredMetrics(t *testing.T) {
	registry := NewRegistry()
	registry.EventsInserted.WithLabelValues("messages").Inc()
	registry.LastBlock.Set(12345)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "verbeth_indexer_events_inserted_total")
	require.Contains(t, rec.Body.String(), "verbeth_indexer_last_block")
}
