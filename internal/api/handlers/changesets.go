package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pratik-mahalle/driftwatch/internal/api/dto"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/utils"
)

// ChangeSetHandler exposes the persisted change-set chains read-only
type ChangeSetHandler struct {
	store    drift.Store
	notifier drift.Notifier
	logger   *logger.Logger
}

// NewChangeSetHandler creates a change-set handler. notifier may be nil,
// in which case nothing is reported as delivered.
func NewChangeSetHandler(store drift.Store, notifier drift.Notifier, log *logger.Logger) *ChangeSetHandler {
	return &ChangeSetHandler{store: store, notifier: notifier, logger: log}
}

func (h *ChangeSetHandler) delivered(cs *drift.ChangeSet) bool {
	return h.notifier != nil && h.notifier.Delivered(cs.Key(), cs.Version)
}

// ListDefinitions lists definition names with change-sets for a resource
func (h *ChangeSetHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.Definitions(r.Context(), chi.URLParam(r, "resourceID"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	utils.WriteSuccess(w, http.StatusOK, names)
}

// List returns a page of version summaries, oldest first
func (h *ChangeSetHandler) List(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	name := chi.URLParam(r, "name")
	p := utils.ParsePaginationParams(r)

	var all []dto.ChangeSetSummaryDTO
	for cs, err := range h.store.ReadAll(r.Context(), resourceID, name) {
		if err != nil {
			utils.WriteErr(w, err)
			return
		}
		all = append(all, dto.ToChangeSetSummaryDTO(cs, h.delivered(cs)))
	}
	if len(all) == 0 {
		utils.WriteError(w, errors.NotFound("Change-sets"))
		return
	}

	start, end := p.Window(len(all))
	utils.WriteSuccess(w, http.StatusOK, utils.NewPaginatedResponse(all[start:end], p.Page, p.PageSize, int64(len(all))))
}

// Get returns one version with its entries. The version may be "latest".
func (h *ChangeSetHandler) Get(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	name := chi.URLParam(r, "name")
	raw := chi.URLParam(r, "version")

	var (
		cs  *drift.ChangeSet
		err error
	)
	if raw == "latest" {
		cs, err = h.store.ReadLatest(r.Context(), resourceID, name)
	} else {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version < 0 {
			utils.WriteError(w, errors.BadRequest("Invalid version"))
			return
		}
		cs, err = h.store.Read(r.Context(), resourceID, name, version)
	}
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, dto.ToChangeSetDTO(cs, h.delivered(cs)))
}

// Snapshot returns the baseline file map replayed from the chain
func (h *ChangeSetHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	files, latest, err := h.store.Snapshot(r.Context(), chi.URLParam(r, "resourceID"), chi.URLParam(r, "name"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"version": latest.Version,
		"files":   files,
	})
}
