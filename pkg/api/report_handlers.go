package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/harborline/backoffice/pkg/httputil"
	"github.com/harborline/backoffice/pkg/procurement"
)

// ReportHandlers handles report data and metadata HTTP requests
type ReportHandlers struct {
	store *procurement.ReportStore
	gate  *scopeGate
}

// NewReportHandlers creates a new ReportHandlers
func NewReportHandlers(store *procurement.ReportStore, gate *scopeGate) *ReportHandlers {
	return &ReportHandlers{store: store, gate: gate}
}

// RegisterRoutes registers report routes
func (h *ReportHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/reports/po_to_group/data", h.POToGroupData).Methods("GET")
	router.HandleFunc("/reports/po_to_group/metadata", h.POToGroupMetadata).Methods("GET")
	router.HandleFunc("/reports/procurement_end_to_end/data", h.VisibilityData).Methods("GET")
	router.HandleFunc("/reports/procurement_end_to_end/metadata", h.VisibilityMetadata).Methods("GET")
}

// POToGroupData returns the per-PO aggregation over unplanned schedule lines
func (h *ReportHandlers) POToGroupData(w http.ResponseWriter, r *http.Request) {
	scopeByField, ok := h.gate.resolve(w, r, EndpointReportPOToGroup)
	if !ok {
		return
	}

	rows, err := h.store.POToGroupData(r.Context(), scopeByField)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if rows == nil {
		rows = []procurement.POGroupRow{}
	}
	httputil.WriteSuccess(w, rows)
}

// POToGroupMetadata returns the static column catalog for the grouping report
func (h *ReportHandlers) POToGroupMetadata(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, procurement.POGroupReportMetadata())
}

// VisibilityData returns a page of the end-to-end procurement report
func (h *ReportHandlers) VisibilityData(w http.ResponseWriter, r *http.Request) {
	scopeByField, ok := h.gate.resolve(w, r, EndpointReportVisibility)
	if !ok {
		return
	}

	page := httputil.ParseQueryInt(r, "page", 1)
	limit := httputil.ParseQueryInt(r, "limit", 50)
	result, err := h.store.VisibilityData(r.Context(), page, limit, scopeByField)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// VisibilityMetadata returns the static column catalog for the end-to-end report
func (h *ReportHandlers) VisibilityMetadata(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, procurement.VisibilityReportMetadata())
}
