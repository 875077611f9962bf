package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/harborline/backoffice/pkg/httputil"
	"github.com/harborline/backoffice/pkg/metadata"
	"github.com/harborline/backoffice/pkg/middleware"
	"github.com/harborline/backoffice/pkg/observability"
	"github.com/harborline/backoffice/pkg/policy"
	"github.com/harborline/backoffice/pkg/procurement"
	"github.com/harborline/backoffice/pkg/scope"
)

// Endpoint keys the policy document addresses handlers by. Keys are stable
// identifiers independent of the HTTP path, so policies survive route moves.
const (
	EndpointPurchaseOrders       = "purchase_orders"
	EndpointPurchaseOrdersCreate = "purchase_orders.create"
	EndpointShipmentsList        = "shipments.list"
	EndpointShipmentsRead        = "shipments.read"
	EndpointShipmentsCreate      = "shipments.from_schedule_lines"
	EndpointShipmentsWorkspace   = "shipments.workspace"
	EndpointReportPOToGroup      = "reports.po_to_group"
	EndpointReportVisibility     = "reports.visibility"
)

// Role granting administrative access to lock force-release and the metadata
// registry.
const adminRoleName = "ADMIN_ORG"

// Deps carries everything the HTTP layer needs. Metrics may be nil.
type Deps struct {
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Authorizer *policy.Authorizer
	Resolver   *scope.Resolver
	Registry   *metadata.Registry
	PolicyDocs *policy.MetadataStore

	PurchaseOrders *procurement.PurchaseOrderStore
	Shipments      *procurement.ShipmentStore
	Reports        *procurement.ReportStore
	Locks          *procurement.DocumentLockStore

	Identity *middleware.IdentityMiddleware
}

// Server owns the router and the handler groups
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer wires the handler groups onto a router behind the request-id,
// metrics, and identity middleware.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps}
	s.router = s.buildRouter()
	return s
}

// Router returns the fully wired HTTP handler
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestIDMiddleware)
	if s.deps.Metrics != nil {
		router.Use(s.deps.Metrics.HTTPMiddleware)
	}
	if s.deps.Identity != nil {
		router.Use(s.deps.Identity.Handler)
	}

	gate := &scopeGate{
		authorizer: s.deps.Authorizer,
		resolver:   s.deps.Resolver,
		logger:     s.deps.Logger,
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	NewPurchaseOrderHandlers(s.deps.PurchaseOrders, gate).RegisterRoutes(v1)
	NewShipmentHandlers(s.deps.Shipments, gate).RegisterRoutes(v1)
	NewReportHandlers(s.deps.Reports, gate).RegisterRoutes(v1)
	NewLinkHandlers(s.deps.Resolver).RegisterRoutes(v1)
	if s.deps.Locks != nil {
		NewLockHandlers(s.deps.Locks, s.deps.PurchaseOrders, s.deps.Shipments, gate).RegisterRoutes(v1)
	}
	NewMetadataHandlers(s.deps.Registry, s.deps.PolicyDocs, gate).RegisterRoutes(v1)

	return router
}

// scopeGate resolves the caller's scope filter for one endpoint and turns
// denials into HTTP responses, so handlers only ever see usable filters.
type scopeGate struct {
	authorizer *policy.Authorizer
	resolver   *scope.Resolver
	logger     *observability.Logger
}

// resolve returns the sanitized scope filter for the request, or writes the
// failure response and reports false.
func (g *scopeGate) resolve(w http.ResponseWriter, r *http.Request, endpointKey string) (scope.ScopeByField, bool) {
	email := middleware.GetUserEmail(r)
	scopeByField, err := g.authorizer.ResolveScopeByField(r.Context(), email, endpointKey, r.Method, r.URL.Path)
	if err != nil {
		if g.logger != nil {
			g.logger.WithError(err).WithField("endpoint_key", endpointKey).
				Error("failed to resolve request scope")
		}
		httputil.WriteInternalError(w, fmt.Errorf("failed to resolve access scope"))
		return nil, false
	}
	if policy.IsScopeDenied(scopeByField) {
		httputil.WriteForbidden(w, policy.ScopeDenyDetail(scopeByField))
		return nil, false
	}
	return policy.SanitizeScopeByField(scopeByField), true
}

// requireAdmin verifies the caller holds the admin role, or writes the
// failure response and reports false. The caller's email is returned for
// audit columns.
func (g *scopeGate) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	email := middleware.GetUserEmail(r)
	union, err := g.resolver.ResolveUnionScope(r.Context(), email)
	if err != nil {
		if g.logger != nil {
			g.logger.WithError(err).Error("failed to resolve caller roles")
		}
		httputil.WriteInternalError(w, fmt.Errorf("failed to resolve caller roles"))
		return "", false
	}
	if !union.RoleNames.Has(adminRoleName) {
		httputil.WriteForbidden(w, "Administrator role is required.")
		return "", false
	}
	return email, true
}
