package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
)

func newTestServer(t *testing.T, dim int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]interface{}, len(req.Input))
		// Reverse order on purpose: the client must restore input order.
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(i)
			data[len(req.Input)-1-i] = map[string]interface{}{
				"index":     i,
				"embedding": vec,
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestClient(t *testing.T, baseURL string, dim int) *Client {
	t.Helper()
	client, err := NewClient(config.EmbeddingConfig{
		Model:     "test-embed",
		APIKey:    "key",
		BaseURL:   baseURL,
		Dimension: dim,
	})
	require.NoError(t, err)
	return client
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	server, _ := newTestServer(t, 4)
	client := newTestClient(t, server.URL, 4)

	vecs, err := client.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(0), vecs[0][0])
	assert.Equal(t, float32(1), vecs[1][0])
	assert.Equal(t, float32(2), vecs[2][0])
}

func TestEmbedBatchSplitsLargeInputs(t *testing.T) {
	server, calls := newTestServer(t, 4)
	client := newTestClient(t, server.URL, 4)

	texts := make([]string, maxBatchSize+10)
	for i := range texts {
		texts[i] = "chunk"
	}

	vecs, err := client.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vecs, maxBatchSize+10)
	assert.Equal(t, 2, *calls)
}

func TestEmbedDimensionMismatchRejected(t *testing.T) {
	server, _ := newTestServer(t, 8)
	client := newTestClient(t, server.URL, 4)

	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestEmbedRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 4)
	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, apperr.IsQuota(err))
}

func TestEmbedUpstreamErrorTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 4)
	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	server, calls := newTestServer(t, 4)
	client := newTestClient(t, server.URL, 4)

	vecs, err := client.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Zero(t, *calls)
}

func TestNewClientRejectsZeroDimension(t *testing.T) {
	_, err := NewClient(config.EmbeddingConfig{Model: "m"})
	require.Error(t, err)
}
