package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/httpclient"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type recordedRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
	Auth      string         `json:"-"`
}

// fakePlatform serves a fixed list of responses in order and records each request.
type fakePlatform struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	requests  []recordedRequest
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req recordedRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	req.Auth = r.Header.Get("Authorization")
	f.requests = append(f.requests, req)

	idx := len(f.requests) - 1
	if idx >= len(f.responses) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	f.responses[idx](w)
}

func jsonResponse(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func page(cursor string, hasNext bool, nodes ...string) func(w http.ResponseWriter) {
	edges := "["
	for i, n := range nodes {
		if i > 0 {
			edges += ","
		}
		edges += `{"node":` + n + `}`
	}
	edges += "]"
	return jsonResponse(http.StatusOK, fmt.Sprintf(
		`{"data":{"intrusionSets":{"edges":%s,"pageInfo":{"endCursor":%q,"hasNextPage":%t}}}}`,
		edges, cursor, hasNext,
	))
}

func node(id, name string, aliases string, relationships int) string {
	return fmt.Sprintf(
		`{"id":%q,"name":%q,"description":"desc %s","aliases":%s,"created":"2023-01-02T03:04:05Z","modified":"2024-01-02T03:04:05Z","stixCoreRelationships":{"pageInfo":{"globalCount":%d}}}`,
		id, name, name, aliases, relationships,
	)
}

func newTestClient(t *testing.T, platform *fakePlatform, mutate func(*Config)) *Client {
	t.Helper()
	server := httptest.NewServer(platform)
	t.Cleanup(server.Close)

	cfg := Config{
		URL:      server.URL,
		Token:    "intel-token",
		PageSize: 2,
		Fields:   DefaultFieldPaths(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := NewClient(cfg, httpclient.NewClient(httpclient.DefaultConfig(), getTestLogger()), getTestLogger())
	require.NoError(t, err)
	return client
}

func TestFetchIntrusionSets_Paginates(t *testing.T) {
	platform := &fakePlatform{responses: []func(http.ResponseWriter){
		page("c1", true, node("is--1", "APT29", `["Cozy Bear"]`, 12), node("is--2", "APT28", `null`, 0)),
		page("c2", false, node("is--3", "Lazarus Group", `[]`, 40)),
	}}
	client := newTestClient(t, platform, nil)

	entities, err := client.FetchIntrusionSets(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 3)

	assert.Equal(t, "is--1", entities[0].ID)
	assert.Equal(t, "APT29", entities[0].Name)
	assert.Equal(t, "desc APT29", entities[0].Description)
	assert.Equal(t, []string{"Cozy Bear"}, entities[0].Aliases)
	assert.Equal(t, 12, entities[0].RelationshipCount)
	assert.Equal(t, 2023, entities[0].Created.Year())
	assert.Equal(t, 2024, entities[0].Modified.Year())
	assert.Empty(t, entities[1].Aliases)
	assert.Nil(t, entities[0].Embedding)

	require.Len(t, platform.requests, 2)
	assert.Equal(t, "Bearer intel-token", platform.requests[0].Auth)
	assert.NotContains(t, platform.requests[0].Variables, "after")
	assert.Equal(t, "c1", platform.requests[1].Variables["after"])
	assert.EqualValues(t, 2, platform.requests[1].Variables["first"])
}

func TestFetchIntrusionSets_StopsAtMaxEntities(t *testing.T) {
	platform := &fakePlatform{responses: []func(http.ResponseWriter){
		page("c1", true, node("is--1", "A", `[]`, 0), node("is--2", "B", `[]`, 0)),
		page("c2", true, node("is--3", "C", `[]`, 0)),
	}}
	client := newTestClient(t, platform, func(c *Config) { c.MaxEntities = 3 })

	entities, err := client.FetchIntrusionSets(context.Background())
	require.NoError(t, err)
	assert.Len(t, entities, 3)
	require.Len(t, platform.requests, 2)
	assert.EqualValues(t, 1, platform.requests[1].Variables["first"])
}

func TestFetchIntrusionSets_Failures(t *testing.T) {
	tests := []struct {
		name      string
		responses []func(http.ResponseWriter)
		wantMsg   string
	}{
		{
			name:      "http error on second page",
			responses: []func(http.ResponseWriter){page("c1", true, node("is--1", "A", `[]`, 0)), jsonResponse(http.StatusServiceUnavailable, `{}`)},
			wantMsg:   "HTTP 503",
		},
		{
			name:      "graphql errors",
			responses: []func(http.ResponseWriter){jsonResponse(http.StatusOK, `{"errors":[{"message":"not authorized"}],"data":null}`)},
			wantMsg:   "not authorized",
		},
		{
			name:      "node without id",
			responses: []func(http.ResponseWriter){page("c1", false, `{"name":"nameless"}`)},
			wantMsg:   "node has no id",
		},
		{
			name:      "negative relationship count",
			responses: []func(http.ResponseWriter){page("c1", false, node("is--1", "A", `[]`, -1))},
			wantMsg:   "non-negative",
		},
		{
			name:      "non-string alias",
			responses: []func(http.ResponseWriter){page("c1", false, node("is--1", "A", `[1]`, 0))},
			wantMsg:   "aliases",
		},
		{
			name:      "cursor does not advance",
			responses: []func(http.ResponseWriter){page("c1", true, node("is--1", "A", `[]`, 0)), page("c1", true, node("is--2", "B", `[]`, 0))},
			wantMsg:   "cursor did not advance",
		},
		{
			name:      "invalid json",
			responses: []func(http.ResponseWriter){jsonResponse(http.StatusOK, `<html>`)},
			wantMsg:   "invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, &fakePlatform{responses: tt.responses}, nil)

			entities, err := client.FetchIntrusionSets(context.Background())
			require.Error(t, err)
			assert.Nil(t, entities)
			assert.Equal(t, http.StatusBadGateway, httperror.GetStatusCode(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestFetchIntrusionSets_CustomFieldPaths(t *testing.T) {
	platform := &fakePlatform{responses: []func(http.ResponseWriter){
		page("c1", false, `{"id":"is--1","name":"Turla","x_mitre_aliases":["Snake","Uroburos"],"vector":[0.1,0.2]}`),
	}}
	client := newTestClient(t, platform, func(c *Config) {
		c.Fields.Aliases = "x_mitre_aliases"
		c.Fields.Embedding = "vector"
	})

	entities, err := client.FetchIntrusionSets(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, []string{"Snake", "Uroburos"}, entities[0].Aliases)
	assert.Equal(t, []float64{0.1, 0.2}, entities[0].Embedding)
	assert.Equal(t, 0, entities[0].RelationshipCount)
}

func TestNewClient_InvalidPath(t *testing.T) {
	_, err := NewClient(Config{URL: "http://intel", Fields: FieldPaths{Name: "name[["}}, nil, getTestLogger())
	assert.Error(t, err)
}

func TestMergeEntities(t *testing.T) {
	platform := &fakePlatform{responses: []func(http.ResponseWriter){
		jsonResponse(http.StatusOK, `{"data":{"stixCoreObjectEdit":{"merge":{"id":"is--keep"}}}}`),
	}}
	client := newTestClient(t, platform, nil)

	require.NoError(t, client.MergeEntities(context.Background(), "is--keep", "is--gone"))
	require.Len(t, platform.requests, 1)
	assert.Equal(t, "is--keep", platform.requests[0].Variables["id"])
	assert.Equal(t, []any{"is--gone"}, platform.requests[0].Variables["stixObjectsIds"])
}

func TestMergeEntities_NotRetried(t *testing.T) {
	platform := &fakePlatform{responses: []func(http.ResponseWriter){
		jsonResponse(http.StatusBadGateway, `{}`),
		jsonResponse(http.StatusOK, `{"data":{"stixCoreObjectEdit":{"merge":{"id":"is--keep"}}}}`),
	}}
	client := newTestClient(t, platform, nil)

	err := client.MergeEntities(context.Background(), "is--keep", "is--gone")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, httperror.GetStatusCode(err))
	assert.Len(t, platform.requests, 1)
}
