package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/approval"
	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/internal/instance"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/internal/orchestrator"
	"github.com/pitabwire/leadflow/internal/pipeline"
)

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Pipelines    *pipeline.Repository
	Instances    *instance.Service
	Approvals    *approval.Service
	Orchestrator *orchestrator.Orchestrator
	Readiness    observability.ReadinessChecks
}

// NewRouter creates the router with the full middleware chain. Health,
// readiness and metrics bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	admin := RequireRole(deps.Config.Identity.AdminRole)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.With(admin).Post("/events", handleProcessEvent(deps.Orchestrator))

		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", handlePipelineList(deps.Pipelines))
			r.With(admin).Post("/", handlePipelineCreate(deps.Pipelines))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handlePipelineGet(deps.Pipelines))
				r.Get("/versions", handlePipelineVersions(deps.Pipelines))
				r.Get("/versions/{version}", handlePipelineVersion(deps.Pipelines))
				r.Group(func(r chi.Router) {
					r.Use(admin)
					r.Put("/", handlePipelineUpdate(deps.Pipelines))
					r.Delete("/", handlePipelineDelete(deps.Pipelines))
					r.Post("/activate", handlePipelineActivate(deps.Pipelines))
					r.Post("/deactivate", handlePipelineDeactivate(deps.Pipelines))
					r.Post("/steps", handleStepAdd(deps.Pipelines))
					r.Post("/steps/reorder", handleStepReorder(deps.Pipelines))
					r.Put("/steps/{stepId}", handleStepUpdate(deps.Pipelines))
					r.Delete("/steps/{stepId}", handleStepDelete(deps.Pipelines))
				})
			})
		})

		r.Get("/instances", handleInstanceList(deps.Instances))
		r.Get("/instances/{id}", handleInstanceGet(deps.Instances))
		r.With(admin).Post("/instances/{id}/cancel", handleInstanceCancel(deps.Orchestrator))
		r.Get("/entities/{entityId}/instance", handleEntityInstance(deps.Instances))
		r.With(admin).Post("/entities/{entityId}/advance", handleEntityAdvance(deps.Orchestrator))

		r.Get("/approvals", handleApprovalList(deps.Approvals))
		r.Get("/approvals/{id}", handleApprovalGet(deps.Approvals))
		r.Post("/approvals/{id}/decision", handleApprovalDecision(deps.Approvals, deps.Orchestrator, deps.Config.Identity.AdminRole))
		r.With(admin).Post("/approvals/{id}/escalate", handleApprovalEscalate(deps.Orchestrator))
	})

	return r
}

// listResponse wraps a page of results.
type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// pagination reads limit and offset, clamping limit to maxPageSize.
func pagination(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", defaultPageSize); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	switch {
	case limit == 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	return limit, offset, nil
}

func newList[T any](items []T, limit, offset int) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Limit: limit, Offset: offset}
}
