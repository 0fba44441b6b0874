package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/http/middleware"
	"github.com/smallbiznis/valora-crmsync/internal/service/etl"
)

// AccountETL runs the account ETL.
type AccountETL interface {
	FromCRM(ctx context.Context, in etl.Input) (etl.Result, error)
}

// ETLHandler serves POST /etl/accounts/from-crm.
type ETLHandler struct {
	etl    AccountETL
	logger *zap.Logger
}

func NewETLHandler(etl AccountETL, logger *zap.Logger) *ETLHandler {
	return &ETLHandler{etl: etl, logger: logger}
}

type etlRequest struct {
	OrganizationID  string `json:"organizationId"`
	Provider        string `json:"provider"`
	LookbackMinutes int    `json:"lookbackMinutes"`
}

// AccountsFromCRM resolves staged provider accounts into canonical accounts.
func (h *ETLHandler) AccountsFromCRM(c *gin.Context) {
	var req etlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, h.logger, err)
		return
	}
	c.Set(middleware.OrganizationIDKey, req.OrganizationID)

	provider, err := domain.ParseProvider(req.Provider)
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}

	res, err := h.etl.FromCRM(c.Request.Context(), etl.Input{
		OrganizationID:  req.OrganizationID,
		Provider:        provider,
		LookbackMinutes: req.LookbackMinutes,
	})
	if err != nil {
		var step *etl.StepError
		var extra gin.H
		if errors.As(err, &step) {
			extra = gin.H{"step": step.Step}
		}
		respondError(c, h.logger, err, extra)
		return
	}

	body := gin.H{
		"ok":               true,
		"provider":         res.Provider,
		"upsertedAccounts": res.UpsertedAccounts,
		"linked":           res.Linked,
	}
	if res.Note != "" {
		body["note"] = res.Note
	}
	c.JSON(http.StatusOK, body)
}
