package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/http/middleware"
	"github.com/smallbiznis/valora-crmsync/internal/service/crmsync"
)

// Syncer runs sync invocations.
type Syncer interface {
	Run(ctx context.Context, in crmsync.RunInput) ([]crmsync.ObjectResult, error)
}

// SyncHandler serves POST /sync.
type SyncHandler struct {
	sync   Syncer
	logger *zap.Logger
}

func NewSyncHandler(sync Syncer, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, logger: logger}
}

type syncRequest struct {
	OrganizationID string `json:"organizationId"`
	Provider       string `json:"provider"`
	PageLimit      *int   `json:"pageLimit"`
}

type syncResult struct {
	Object     string         `json:"object"`
	Pages      int            `json:"pages"`
	Total      int            `json:"total"`
	Phase      domain.Phase   `json:"phase"`
	NextCursor *domain.Cursor `json:"nextCursor"`
	Since      *int64         `json:"since"`
}

// Sync pulls the next pages of every object type for one organization.
func (h *SyncHandler) Sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, h.logger, err)
		return
	}
	c.Set(middleware.OrganizationIDKey, req.OrganizationID)

	provider := domain.ProviderHubSpot
	if req.Provider != "" {
		p, err := domain.ParseProvider(req.Provider)
		if err != nil {
			respondError(c, h.logger, err, nil)
			return
		}
		provider = p
	}
	in := crmsync.RunInput{OrganizationID: req.OrganizationID, Provider: provider}
	if req.PageLimit != nil {
		in.PageLimit = *req.PageLimit
		if in.PageLimit == 0 {
			in.PageLimit = crmsync.MinPageLimit
		}
	}

	results, err := h.sync.Run(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}

	out := make([]syncResult, 0, len(results))
	for _, r := range results {
		item := syncResult{
			Object:     r.Object,
			Pages:      r.Pages,
			Total:      r.Total,
			Phase:      r.Phase,
			NextCursor: r.NextCursor,
		}
		if r.Since != nil {
			ms := r.Since.UnixMilli()
			item.Since = &ms
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "results": out})
}
