package dedup

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/dedup"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/utils"
)

const (
	ActionScan       = "scan"
	ActionApprove    = "approve"
	ActionReject     = "reject"
	ActionMerge      = "merge"
	ActionClearStuck = "clear-stuck"
	ActionClearAll   = "clear-all"
	ActionReconcile  = "reconcile"
)

// Service is the dedup engine behind the routes
type Service interface {
	Scan(ctx context.Context, initiatedBy string) (*models.ScanResult, error)
	Approve(ctx context.Context, candidateID string, canonicalEntityID *string, reviewer string) (*models.DuplicateCandidate, error)
	Reject(ctx context.Context, candidateID string, canonicalEntityID *string, reviewer string) (*models.DuplicateCandidate, error)
	Merge(ctx context.Context, candidateID, keepEntityID, mergedBy string) (*models.MergeResult, error)
	ClearStuck(ctx context.Context, user string) (int, error)
	ClearAll(ctx context.Context, user string) (*dedup.ClearAllResult, error)
	Reconcile(ctx context.Context) (int, error)
	ListCandidates(ctx context.Context, filter models.CandidateFilter) ([]models.DuplicateCandidate, error)
	GetCandidate(ctx context.Context, id string) (*models.DuplicateCandidate, error)
	ListScanRuns(ctx context.Context, limit int) ([]models.ScanRun, error)
	GetScanRun(ctx context.Context, id string) (*models.ScanRun, error)
	ListHistory(ctx context.Context, candidateID string, limit int) ([]models.MergeHistoryEntry, error)
}

// ActionRequest is the body of POST /api/v1/dedup
type ActionRequest struct {
	Action            string  `json:"action" validate:"required,oneof=scan approve reject merge clear-stuck clear-all reconcile"`
	CandidateID       string  `json:"candidateId" validate:"required_if=Action approve,required_if=Action reject,required_if=Action merge"`
	CanonicalEntityID *string `json:"canonicalEntityId,omitempty"`
	KeepEntityID      string  `json:"keepEntityId" validate:"required_if=Action merge"`
}

// Handler serves the dedup command surface. Authentication runs before it in middleware.
type Handler struct {
	service Service
	logger  ectologger.Logger
}

func NewHandler(service Service, logger ectologger.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers dedup routes on a group already guarded by admin authentication
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Action)
	g.GET("/candidates", h.ListCandidates)
	g.GET("/candidates/:id", h.GetCandidate)
	g.GET("/scans", h.ListScanRuns)
	g.GET("/scans/:id", h.GetScanRun)
	g.GET("/history", h.ListHistory)
}

// Action handles POST /api/v1/dedup
func (h *Handler) Action(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[ActionRequest](c)
	if err != nil {
		return err
	}

	user := appctx.GetUserID(ctx)
	if user == "" {
		return dedup.AuthError(http.StatusUnauthorized, "authentication required")
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"action":       req.Action,
		"candidate_id": req.CandidateID,
		"user_id":      user,
	}).Debug("dedup action")

	switch req.Action {
	case ActionScan:
		result, err := h.service.Scan(ctx, user)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, result)

	case ActionApprove:
		if _, err := h.service.Approve(ctx, req.CandidateID, req.CanonicalEntityID, user); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"status": string(models.CandidateStatusApproved)})

	case ActionReject:
		if _, err := h.service.Reject(ctx, req.CandidateID, req.CanonicalEntityID, user); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"status": string(models.CandidateStatusRejected)})

	case ActionMerge:
		result, err := h.service.Merge(ctx, req.CandidateID, req.KeepEntityID, user)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, result)

	case ActionClearStuck:
		n, err := h.service.ClearStuck(ctx, user)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]int{"cleared": n})

	case ActionClearAll:
		result, err := h.service.ClearAll(ctx, user)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{
			"message": fmt.Sprintf("cleared %d candidates, %d scan runs and %d merge history entries",
				result.Candidates, result.ScanRuns, result.MergeHistory),
		})

	case ActionReconcile:
		n, err := h.service.Reconcile(ctx)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]int{"reconciled": n})
	}

	return dedup.InputError("unknown action %q", req.Action)
}

// ListCandidates handles GET /candidates?status=&entity_id=&limit=&offset=
func (h *Handler) ListCandidates(c echo.Context) error {
	filter := models.CandidateFilter{
		Status:   models.CandidateStatus(c.QueryParam("status")),
		EntityID: c.QueryParam("entity_id"),
	}
	switch filter.Status {
	case "", models.CandidateStatusPending, models.CandidateStatusApproved, models.CandidateStatusRejected, models.CandidateStatusMerged:
	default:
		return dedup.InputError("invalid status %q", filter.Status)
	}

	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		return err
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		return err
	}

	candidates, err := h.service.ListCandidates(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidates)
}

// GetCandidate handles GET /candidates/:id
func (h *Handler) GetCandidate(c echo.Context) error {
	candidate, err := h.service.GetCandidate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}

// ListScanRuns handles GET /scans?limit=
func (h *Handler) ListScanRuns(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}

	runs, err := h.service.ListScanRuns(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

// GetScanRun handles GET /scans/:id
func (h *Handler) GetScanRun(c echo.Context) error {
	run, err := h.service.GetScanRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListHistory handles GET /history?candidate_id=&limit=
func (h *Handler) ListHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}

	entries, err := h.service.ListHistory(c.Request().Context(), c.QueryParam("candidate_id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dedup.InputError("%s must be a non-negative integer", name)
	}
	return n, nil
}
