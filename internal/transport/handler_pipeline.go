package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/leadflow/internal/pipeline"
	"github.com/pitabwire/leadflow/model"
)

func handlePipelineList(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := pagination(r)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		q := r.URL.Query()
		filters := model.PipelineFilters{
			LineOfBusiness:    q.Get("line_of_business"),
			BusinessType:      q.Get("business_type"),
			OrganizationID:    q.Get("organization_id"),
			Status:            model.PipelineStatus(q.Get("status")),
			IncludeDeprecated: q.Get("include_deprecated") == "true",
			Limit:             limit,
			Offset:            offset,
		}
		if filters.Status != "" && !filters.Status.Valid() {
			writeRequestError(w, r, model.NewBadRequestError("unknown status "+strconv.Quote(q.Get("status"))))
			return
		}
		if raw := q.Get("is_default"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				writeRequestError(w, r, model.NewBadRequestError("is_default must be a boolean"))
				return
			}
			filters.IsDefault = &v
		}

		defs, err := repo.List(r.Context(), filters)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(defs, limit, offset))
	}
}

func handlePipelineCreate(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.PipelineDefinition
		if err := decodeJSON(r, &def, false); err != nil {
			writeRequestError(w, r, err)
			return
		}
		created, err := repo.Create(r.Context(), &def, actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handlePipelineGet(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := repo.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handlePipelineVersions(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs, err := repo.Versions(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(defs, len(defs), 0))
	}
}

func handlePipelineVersion(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, err := strconv.Atoi(chi.URLParam(r, "version"))
		if err != nil || version < 1 {
			writeRequestError(w, r, model.NewBadRequestError("version must be a positive integer"))
			return
		}
		def, err := repo.GetVersion(r.Context(), chi.URLParam(r, "id"), version)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handlePipelineUpdate(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.UpdateRequest
		if err := decodeJSON(r, &req, false); err != nil {
			writeRequestError(w, r, err)
			return
		}
		def, err := repo.Update(r.Context(), chi.URLParam(r, "id"), req, actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handlePipelineDelete(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := repo.Delete(r.Context(), chi.URLParam(r, "id"), actorOf(r)); err != nil {
			writeRequestError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePipelineActivate(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := repo.Activate(r.Context(), chi.URLParam(r, "id"), actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handlePipelineDeactivate(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := repo.Deactivate(r.Context(), chi.URLParam(r, "id"), actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleStepAdd(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		step, err := readStep(r)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		def, err := repo.AddStep(r.Context(), chi.URLParam(r, "id"), step, r.URL.Query().Get("afterStepId"), actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, def)
	}
}

func handleStepUpdate(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		step, err := readStep(r)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		def, err := repo.UpdateStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), step, actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleStepDelete(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := repo.DeleteStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleStepReorder(repo *pipeline.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Orders map[string]int `json:"orders"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if len(body.Orders) == 0 {
			writeRequestError(w, r, model.NewBadRequestError("orders is required"))
			return
		}
		def, err := repo.ReorderSteps(r.Context(), chi.URLParam(r, "id"), body.Orders, actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// readStep decodes a single tagged step from the request body.
func readStep(r *http.Request) (model.Step, error) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw, false); err != nil {
		return nil, err
	}
	step, err := model.UnmarshalStep(raw)
	if err != nil {
		return nil, model.NewBadRequestError(err.Error())
	}
	return step, nil
}

// actorOf returns the authenticated caller's id.
func actorOf(r *http.Request) string {
	return model.RequestContextFrom(r.Context()).Actor()
}
