package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/pratik-mahalle/driftwatch/internal/api/dto"
	"github.com/pratik-mahalle/driftwatch/internal/api/middleware"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/engine"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/logger"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/utils"
)

// Registry is the definition registry behind the API. *engine.Engine
// implements it.
type Registry interface {
	DetectNow(resourceID, name string) error
	Definitions() []engine.Registered
	RemoveResource(ctx context.Context, resourceID string) error
}

// ScheduleLister exposes the schedule queue. *schedule.PriorityQueue
// implements it.
type ScheduleLister interface {
	Schedules() []drift.Schedule
	InFlight() int
}

// DetectionHandler handles definitions, schedules and on-demand detection
type DetectionHandler struct {
	registry Registry
	queue    ScheduleLister
	logger   *logger.Logger
}

func NewDetectionHandler(registry Registry, queue ScheduleLister, log *logger.Logger) *DetectionHandler {
	return &DetectionHandler{registry: registry, queue: queue, logger: log}
}

// DetectNow queues an immediate detection for one definition
func (h *DetectionHandler) DetectNow(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	name := chi.URLParam(r, "name")
	middleware.AddLogField(w, "resource_id", resourceID)
	middleware.AddLogField(w, "definition", name)

	if err := h.registry.DetectNow(resourceID, name); err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteSuccessWithMessage(w, http.StatusAccepted, "Detection queued", map[string]string{
		"resourceId": resourceID,
		"definition": name,
	})
}

// ListSchedules returns queued schedules ordered by fire time
func (h *DetectionHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds := h.queue.Schedules()
	sort.SliceStable(scheds, func(i, j int) bool { return scheds[i].NextFire.Before(scheds[j].NextFire) })

	resourceID := r.URL.Query().Get("resource_id")
	out := make([]dto.ScheduleDTO, 0, len(scheds))
	for _, s := range scheds {
		if resourceID != "" && s.ResourceID != resourceID {
			continue
		}
		out = append(out, dto.ToScheduleDTO(s))
	}
	utils.WriteSuccess(w, http.StatusOK, dto.ScheduleListResponse{
		Schedules: out,
		InFlight:  h.queue.InFlight(),
	})
}

// ListDefinitions returns the active definitions, optionally of one resource
func (h *DetectionHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Query().Get("resource_id")
	regs := h.registry.Definitions()
	out := make([]dto.DefinitionDTO, 0, len(regs))
	for _, reg := range regs {
		if resourceID != "" && reg.ResourceID != resourceID {
			continue
		}
		out = append(out, dto.DefinitionDTO{ResourceID: reg.ResourceID, Definition: reg.Definition})
	}
	utils.WriteSuccess(w, http.StatusOK, out)
}

// RemoveResource drops every schedule and change-set of a resource
func (h *DetectionHandler) RemoveResource(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	middleware.AddLogField(w, "resource_id", resourceID)

	if err := h.registry.RemoveResource(r.Context(), resourceID); err != nil {
		utils.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
