package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pratik-mahalle/driftwatch/internal/api/dto"
	"github.com/pratik-mahalle/driftwatch/internal/api/middleware"
	"github.com/pratik-mahalle/driftwatch/internal/db"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/utils"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/validator"
)

// ContentSupplier uploads requested file content. *syncer.Syncer implements it.
type ContentSupplier interface {
	SupplyRequest(ctx context.Context, requestID, resourceID string, hashes []string) error
}

// ContentRequestLog lists answered pulls. *db.DB implements it.
type ContentRequestLog interface {
	ListContentRequests(ctx context.Context, resourceID string, limit int) ([]db.ContentRequestRow, error)
}

// ContentHandler serves the collector's content-by-hash pulls
type ContentHandler struct {
	// ctx outlives requests; uploads stop when the agent shuts down
	ctx       context.Context
	supplier  ContentSupplier
	requests  ContentRequestLog
	validator *validator.Validator
	logger    *logger.Logger
}

// NewContentHandler creates a content handler. supplier is nil when no
// collector is configured; pulls are then refused.
func NewContentHandler(ctx context.Context, supplier ContentSupplier, requests ContentRequestLog, val *validator.Validator, log *logger.Logger) *ContentHandler {
	return &ContentHandler{
		ctx:       ctx,
		supplier:  supplier,
		requests:  requests,
		validator: val,
		logger:    log.WithComponent("content-api"),
	}
}

// Pull accepts a content request and uploads the content in the background
func (h *ContentHandler) Pull(w http.ResponseWriter, r *http.Request) {
	if h.supplier == nil {
		utils.WriteError(w, errors.ServiceUnavailable("No collector is configured"))
		return
	}
	resourceID := chi.URLParam(r, "resourceID")

	var req dto.ContentPullRequest
	if !decodeAndValidate(w, r, h.validator, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetRequestID(r)
	}
	middleware.AddLogField(w, "resource_id", resourceID)
	middleware.AddLogField(w, "hashes", len(req.Hashes))

	go func() {
		if err := h.supplier.SupplyRequest(h.ctx, req.RequestID, resourceID, req.Hashes); err != nil {
			h.logger.WithFields(map[string]interface{}{
				"request_id":  req.RequestID,
				"resource_id": resourceID,
			}).ErrorWithErr(err, "Content pull failed")
		}
	}()

	utils.WriteSuccess(w, http.StatusAccepted, dto.ContentPullResponse{
		RequestID: req.RequestID,
		Requested: len(req.Hashes),
	})
}

// List returns the most recent content pulls of a resource
func (h *ContentHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		utils.WriteSuccess(w, http.StatusOK, []dto.ContentRequestDTO{})
		return
	}
	resourceID := chi.URLParam(r, "resourceID")
	p := utils.ParsePaginationParams(r)

	rows, err := h.requests.ListContentRequests(r.Context(), resourceID, p.PageSize)
	if err != nil {
		utils.WriteError(w, errors.StoreError("Failed to list content requests", err))
		return
	}
	out := make([]dto.ContentRequestDTO, len(rows))
	for i, row := range rows {
		out[i] = dto.ContentRequestDTO{
			RequestID: row.RequestID,
			Requested: row.Requested,
			Supplied:  row.Supplied,
			Missing:   row.Missing,
			Status:    row.Status,
			CreatedAt: row.CreatedAt,
		}
	}
	utils.WriteSuccess(w, http.StatusOK, out)
}
