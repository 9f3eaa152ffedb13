package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
)

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ping", body["query"])

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(), ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	resp, err := client.PostJSON(context.Background(), server.URL, map[string]string{"query": "ping"}, map[string]string{
		"Authorization": "Bearer secret",
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, resp.IsSuccess())
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestDo_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(DefaultConfig(), ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	_, err := client.PostJSON(context.Background(), url, map[string]string{}, nil)
	assert.Error(t, err)
}

func TestDo_ForwardsRequestID(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-Id")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ctx := appctx.WithRequest(context.Background(), appctx.Request{ID: "req-7"})
	client := NewClient(DefaultConfig(), ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	_, err := client.PostJSON(ctx, server.URL, map[string]string{}, nil)

	require.NoError(t, err)
	assert.Equal(t, "req-7", got)
}
