package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/leadflow/internal/approval"
	"github.com/pitabwire/leadflow/internal/orchestrator"
	"github.com/pitabwire/leadflow/model"
)

func handleApprovalList(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := pagination(r)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		q := r.URL.Query()
		filters := model.ApprovalFilters{
			ApproverRole: q.Get("approver_role"),
			PipelineID:   q.Get("pipeline_id"),
			EntityID:     q.Get("entity_id"),
			InstanceID:   q.Get("instance_id"),
			Status:       model.ApprovalStatus(q.Get("status")),
			Limit:        limit,
			Offset:       offset,
		}
		switch filters.Status {
		case "", model.ApprovalPending, model.ApprovalApproved, model.ApprovalRejected, model.ApprovalExpired:
		default:
			writeRequestError(w, r, model.NewBadRequestError("unknown status "+strconv.Quote(q.Get("status"))))
			return
		}

		approvals, err := svc.List(r.Context(), filters)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(approvals, limit, offset))
	}
}

func handleApprovalGet(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, a)
	}
}

// handleApprovalDecision records a verdict. Only holders of the approval's
// current role, or the admin role, may decide.
func handleApprovalDecision(svc *approval.Service, orch *orchestrator.Orchestrator, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Decision model.Decision `json:"decision"`
			Comment  string         `json:"comment"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if !body.Decision.Valid() {
			writeRequestError(w, r, model.NewBadRequestError("decision must be approved or rejected"))
			return
		}

		id := chi.URLParam(r, "id")
		a, err := svc.Get(r.Context(), id)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		rctx := model.MustRequestContext(r.Context())
		if !rctx.HasRole(a.ApproverRole) && (adminRole == "" || !rctx.HasRole(adminRole)) {
			writeRequestError(w, r, model.NewForbiddenError("requires role "+a.ApproverRole))
			return
		}

		res, err := orch.HandleApprovalDecision(r.Context(), id, body.Decision, rctx.Actor(), body.Comment)
		writeResult(w, r, res, err)
	}
}

func handleApprovalEscalate(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			writeRequestError(w, r, err)
			return
		}
		a, err := orch.EscalateApproval(r.Context(), chi.URLParam(r, "id"), body.Role, actorOf(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, a)
	}
}
