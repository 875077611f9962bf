package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/harborline/backoffice/pkg/httputil"
	"github.com/harborline/backoffice/pkg/middleware"
	"github.com/harborline/backoffice/pkg/scope"
)

// LinkHandlers serves the caller's own partner and customer link rows, the
// raw material of their data scope.
type LinkHandlers struct {
	resolver *scope.Resolver
}

// NewLinkHandlers creates a new LinkHandlers
func NewLinkHandlers(resolver *scope.Resolver) *LinkHandlers {
	return &LinkHandlers{resolver: resolver}
}

// RegisterRoutes registers scope link routes
func (h *LinkHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/user-partners", h.ListPartners).Methods("GET")
	router.HandleFunc("/user-customers", h.ListCustomers).Methods("GET")
}

// ListPartners returns the caller's active partner links
func (h *LinkHandlers) ListPartners(w http.ResponseWriter, r *http.Request) {
	links, err := h.resolver.ListUserPartners(r.Context(), middleware.GetUserEmail(r))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if links == nil {
		links = []scope.PartnerLink{}
	}
	httputil.WriteSuccess(w, links)
}

// ListCustomers returns the caller's active customer links
func (h *LinkHandlers) ListCustomers(w http.ResponseWriter, r *http.Request) {
	links, err := h.resolver.ListUserCustomers(r.Context(), middleware.GetUserEmail(r))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if links == nil {
		links = []scope.CustomerLink{}
	}
	httputil.WriteSuccess(w, links)
}
