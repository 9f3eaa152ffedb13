package dedup_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/auth"
	"github.com/Ramsey-B/thistle/pkg/dedup"
	"github.com/Ramsey-B/thistle/pkg/middleware"
	"github.com/Ramsey-B/thistle/pkg/models"
	routes "github.com/Ramsey-B/thistle/pkg/routes/dedup"
)

type call struct {
	method    string
	id        string
	canonical *string
	keep      string
	user      string
	filter    models.CandidateFilter
	limit     int
}

type fakeService struct {
	calls []call
	err   error
}

func (f *fakeService) record(c call) error {
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeService) Scan(_ context.Context, initiatedBy string) (*models.ScanResult, error) {
	if err := f.record(call{method: "Scan", user: initiatedBy}); err != nil {
		return nil, err
	}
	return &models.ScanResult{ScanID: "scan-1", EntitiesScanned: 10, CandidatesFound: 3, NewCandidates: 2}, nil
}

func (f *fakeService) Approve(_ context.Context, id string, canonical *string, reviewer string) (*models.DuplicateCandidate, error) {
	if err := f.record(call{method: "Approve", id: id, canonical: canonical, user: reviewer}); err != nil {
		return nil, err
	}
	return &models.DuplicateCandidate{ID: id, Status: models.CandidateStatusApproved}, nil
}

func (f *fakeService) Reject(_ context.Context, id string, canonical *string, reviewer string) (*models.DuplicateCandidate, error) {
	if err := f.record(call{method: "Reject", id: id, canonical: canonical, user: reviewer}); err != nil {
		return nil, err
	}
	return &models.DuplicateCandidate{ID: id, Status: models.CandidateStatusRejected}, nil
}

func (f *fakeService) Merge(_ context.Context, id, keep, mergedBy string) (*models.MergeResult, error) {
	if err := f.record(call{method: "Merge", id: id, keep: keep, user: mergedBy}); err != nil {
		return nil, err
	}
	return &models.MergeResult{
		KeptEntity:   models.EntitySnapshot{ID: keep, Name: "APT29"},
		MergedEntity: models.EntitySnapshot{ID: "is--cozy", Name: "Cozy Bear"},
	}, nil
}

func (f *fakeService) ClearStuck(_ context.Context, user string) (int, error) {
	if err := f.record(call{method: "ClearStuck", user: user}); err != nil {
		return 0, err
	}
	return 2, nil
}

func (f *fakeService) ClearAll(_ context.Context, user string) (*dedup.ClearAllResult, error) {
	if err := f.record(call{method: "ClearAll", user: user}); err != nil {
		return nil, err
	}
	return &dedup.ClearAllResult{Candidates: 4, ScanRuns: 2, MergeHistory: 1}, nil
}

func (f *fakeService) Reconcile(_ context.Context) (int, error) {
	if err := f.record(call{method: "Reconcile"}); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *fakeService) ListCandidates(_ context.Context, filter models.CandidateFilter) ([]models.DuplicateCandidate, error) {
	if err := f.record(call{method: "ListCandidates", filter: filter}); err != nil {
		return nil, err
	}
	return []models.DuplicateCandidate{{ID: "c-1", Status: models.CandidateStatusPending}}, nil
}

func (f *fakeService) GetCandidate(_ context.Context, id string) (*models.DuplicateCandidate, error) {
	if err := f.record(call{method: "GetCandidate", id: id}); err != nil {
		return nil, err
	}
	return &models.DuplicateCandidate{ID: id}, nil
}

func (f *fakeService) ListScanRuns(_ context.Context, limit int) ([]models.ScanRun, error) {
	if err := f.record(call{method: "ListScanRuns", limit: limit}); err != nil {
		return nil, err
	}
	return []models.ScanRun{{ID: "scan-1", Status: models.ScanRunStatusCompleted}}, nil
}

func (f *fakeService) GetScanRun(_ context.Context, id string) (*models.ScanRun, error) {
	if err := f.record(call{method: "GetScanRun", id: id}); err != nil {
		return nil, err
	}
	return &models.ScanRun{ID: id}, nil
}

func (f *fakeService) ListHistory(_ context.Context, candidateID string, limit int) ([]models.MergeHistoryEntry, error) {
	if err := f.record(call{method: "ListHistory", id: candidateID, limit: limit}); err != nil {
		return nil, err
	}
	return []models.MergeHistoryEntry{}, nil
}

func newServer(service *fakeService) *echo.Echo {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	verifier := auth.NewStaticVerifier(map[string]auth.Identity{
		"admin-token":  {Subject: "admin-1", Roles: []string{"admin"}},
		"viewer-token": {Subject: "viewer-1", Roles: []string{"viewer"}},
	})

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	g := e.Group("/api/v1/dedup", middleware.Authentication(logger, verifier, "admin"))
	routes.NewHandler(service, logger).RegisterRoutes(g)
	return e
}

func do(e *echo.Echo, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAction_RequiresAdmin(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "anonymous", token: "", wantStatus: http.StatusUnauthorized},
		{name: "unknown token", token: "forged", wantStatus: http.StatusUnauthorized},
		{name: "not admin", token: "viewer-token", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &fakeService{}
			e := newServer(service)

			for _, action := range []string{"scan", "clear-all"} {
				rec := do(e, http.MethodPost, "/api/v1/dedup", tt.token, `{"action":"`+action+`"}`)
				assert.Equal(t, tt.wantStatus, rec.Code)
				assert.NotEmpty(t, decode(t, rec)["error"])
			}
			rec := do(e, http.MethodGet, "/api/v1/dedup/candidates", tt.token, "")
			assert.Equal(t, tt.wantStatus, rec.Code)

			assert.Empty(t, service.calls, "no handler may run before authorization")
		})
	}
}

func TestAction(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   map[string]any
		wantCall   *call
	}{
		{
			name:       "scan",
			body:       `{"action":"scan"}`,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"scanId": "scan-1", "entitiesScanned": float64(10), "candidatesFound": float64(3), "newCandidates": float64(2)},
			wantCall:   &call{method: "Scan", user: "admin-1"},
		},
		{
			name:       "approve",
			body:       `{"action":"approve","candidateId":"c-1"}`,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"status": "approved"},
			wantCall:   &call{method: "Approve", id: "c-1", user: "admin-1"},
		},
		{
			name:       "reject",
			body:       `{"action":"reject","candidateId":"c-1"}`,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"status": "rejected"},
			wantCall:   &call{method: "Reject", id: "c-1", user: "admin-1"},
		},
		{
			name:       "merge",
			body:       `{"action":"merge","candidateId":"c-1","keepEntityId":"is--apt29"}`,
			wantStatus: http.StatusOK,
			wantCall:   &call{method: "Merge", id: "c-1", keep: "is--apt29", user: "admin-1"},
		},
		{
			name:       "clear stuck",
			body:       `{"action":"clear-stuck"}`,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"cleared": float64(2)},
			wantCall:   &call{method: "ClearStuck", user: "admin-1"},
		},
		{
			name:       "clear all",
			body:       `{"action":"clear-all"}`,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"message": "cleared 4 candidates, 2 scan runs and 1 merge history entries"},
			wantCall:   &call{method: "ClearAll", user: "admin-1"},
		},
		{
			name:       "reconcile",
			body:       `{"action":"reconcile"}`,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"reconciled": float64(1)},
			wantCall:   &call{method: "Reconcile"},
		},
		{name: "unknown action", body: `{"action":"explode"}`, wantStatus: http.StatusBadRequest},
		{name: "missing action", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "approve without candidate", body: `{"action":"approve"}`, wantStatus: http.StatusBadRequest},
		{name: "reject without candidate", body: `{"action":"reject"}`, wantStatus: http.StatusBadRequest},
		{name: "merge without keep", body: `{"action":"merge","candidateId":"c-1"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed json", body: `{"action":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &fakeService{}
			rec := do(newServer(service), http.MethodPost, "/api/v1/dedup", "admin-token", tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			body := decode(t, rec)
			if tt.wantCall == nil {
				assert.NotEmpty(t, body["error"])
				assert.Empty(t, service.calls)
				return
			}

			require.Len(t, service.calls, 1)
			assert.Equal(t, *tt.wantCall, service.calls[0])
			for k, v := range tt.wantBody {
				assert.Equal(t, v, body[k], k)
			}
		})
	}
}

func TestAction_ApproveCanonical(t *testing.T) {
	service := &fakeService{}
	rec := do(newServer(service), http.MethodPost, "/api/v1/dedup", "admin-token",
		`{"action":"approve","candidateId":"c-1","canonicalEntityId":"is--apt29"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, service.calls, 1)
	require.NotNil(t, service.calls[0].canonical)
	assert.Equal(t, "is--apt29", *service.calls[0].canonical)
}

func TestAction_MergeResponse(t *testing.T) {
	rec := do(newServer(&fakeService{}), http.MethodPost, "/api/v1/dedup", "admin-token",
		`{"action":"merge","candidateId":"c-1","keepEntityId":"is--apt29"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result models.MergeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "is--apt29", result.KeptEntity.ID)
	assert.Equal(t, "Cozy Bear", result.MergedEntity.Name)
}

func TestAction_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "not found", err: dedup.NotFoundError("candidate c-1 not found"), wantStatus: http.StatusNotFound},
		{name: "conflict", err: dedup.ConflictError("candidate c-1 is rejected and cannot be merged"), wantStatus: http.StatusConflict},
		{name: "upstream", err: dedup.UpstreamError("intel platform: merge_entities returned HTTP 500"), wantStatus: http.StatusBadGateway},
		{name: "persistence", err: dedup.PersistenceError("failed to record merge history"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(newServer(&fakeService{err: tt.err}), http.MethodPost, "/api/v1/dedup", "admin-token",
				`{"action":"merge","candidateId":"c-1","keepEntityId":"is--apt29"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestReadRoutes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCall   *call
	}{
		{
			name:       "list candidates",
			path:       "/api/v1/dedup/candidates?status=pending&limit=10&offset=20",
			wantStatus: http.StatusOK,
			wantCall:   &call{method: "ListCandidates", filter: models.CandidateFilter{Status: models.CandidateStatusPending, Limit: 10, Offset: 20}},
		},
		{name: "bad status", path: "/api/v1/dedup/candidates?status=maybe", wantStatus: http.StatusBadRequest},
		{name: "bad limit", path: "/api/v1/dedup/candidates?limit=ten", wantStatus: http.StatusBadRequest},
		{name: "negative offset", path: "/api/v1/dedup/candidates?offset=-1", wantStatus: http.StatusBadRequest},
		{
			name:       "get candidate",
			path:       "/api/v1/dedup/candidates/c-1",
			wantStatus: http.StatusOK,
			wantCall:   &call{method: "GetCandidate", id: "c-1"},
		},
		{
			name:       "list scans",
			path:       "/api/v1/dedup/scans?limit=5",
			wantStatus: http.StatusOK,
			wantCall:   &call{method: "ListScanRuns", limit: 5},
		},
		{
			name:       "get scan",
			path:       "/api/v1/dedup/scans/scan-1",
			wantStatus: http.StatusOK,
			wantCall:   &call{method: "GetScanRun", id: "scan-1"},
		},
		{
			name:       "history",
			path:       "/api/v1/dedup/history?candidate_id=c-1",
			wantStatus: http.StatusOK,
			wantCall:   &call{method: "ListHistory", id: "c-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &fakeService{}
			rec := do(newServer(service), http.MethodGet, tt.path, "admin-token", "")

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCall == nil {
				assert.Empty(t, service.calls)
				return
			}
			require.Len(t, service.calls, 1)
			assert.Equal(t, *tt.wantCall, service.calls[0])
		})
	}
}

func TestReadRoutes_NotFound(t *testing.T) {
	service := &fakeService{err: dedup.NotFoundError("candidate c-404 not found")}
	rec := do(newServer(service), http.MethodGet, "/api/v1/dedup/candidates/c-404", "admin-token", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["error"])
}
