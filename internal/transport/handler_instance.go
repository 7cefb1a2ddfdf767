package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/leadflow/internal/instance"
	"github.com/pitabwire/leadflow/internal/orchestrator"
	"github.com/pitabwire/leadflow/model"
)

func handleProcessEvent(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var evt model.Event
		if err := decodeJSON(r, &evt, false); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if evt.Type == "" || evt.EntityID == "" {
			writeRequestError(w, r, model.NewBadRequestError("type and entity_id are required"))
			return
		}
		if evt.Actor == "" {
			evt.Actor = actorOf(r)
		}

		res, err := orch.ProcessEvent(r.Context(), evt)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleInstanceList(svc *instance.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := pagination(r)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		q := r.URL.Query()
		filters := model.InstanceFilters{
			PipelineID:     q.Get("pipeline_id"),
			EntityID:       q.Get("entity_id"),
			LineOfBusiness: q.Get("line_of_business"),
			Status:         model.InstanceStatus(q.Get("status")),
			NonTerminal:    q.Get("active") == "true",
			Limit:          limit,
			Offset:         offset,
		}
		if filters.Status != "" && !filters.Status.Valid() {
			writeRequestError(w, r, model.NewBadRequestError("unknown status "+strconv.Quote(q.Get("status"))))
			return
		}

		insts, err := svc.List(r.Context(), filters)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(insts, limit, offset))
	}
}

func handleInstanceGet(svc *instance.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceCancel(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			writeRequestError(w, r, err)
			return
		}
		inst, err := orch.Cancel(r.Context(), chi.URLParam(r, "id"), actorOf(r), body.Reason)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleEntityInstance(svc *instance.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := svc.FindActiveByEntity(r.Context(), chi.URLParam(r, "entityId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleEntityAdvance(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := chi.URLParam(r, "entityId")
		res, err := orch.ManualAdvance(r.Context(), entityID, actorOf(r))
		if err == nil {
			switch res.Action {
			case model.ActionNoInstance:
				err = model.NewNotFoundError("entity " + strconv.Quote(entityID) + " has no open instance")
			case model.ActionNoAdvancement:
				err = model.NewStateConflictError("instance " + res.InstanceID + " cannot be advanced manually from its current step")
			}
		}
		writeResult(w, r, res, err)
	}
}

// writeResult renders the outcome of a direct command. A rejected result
// is reported as its error.
func writeResult(w http.ResponseWriter, r *http.Request, res model.ProcessResult, err error) {
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	if !res.Processed && res.Error != nil {
		writeRequestError(w, r, res.Error)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
