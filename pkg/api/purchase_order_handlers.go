package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/harborline/backoffice/pkg/httputil"
	"github.com/harborline/backoffice/pkg/middleware"
	"github.com/harborline/backoffice/pkg/procurement"
)

// PurchaseOrderHandlers handles purchase order HTTP requests
type PurchaseOrderHandlers struct {
	store *procurement.PurchaseOrderStore
	gate  *scopeGate
}

// NewPurchaseOrderHandlers creates a new PurchaseOrderHandlers
func NewPurchaseOrderHandlers(store *procurement.PurchaseOrderStore, gate *scopeGate) *PurchaseOrderHandlers {
	return &PurchaseOrderHandlers{store: store, gate: gate}
}

// RegisterRoutes registers purchase order routes
func (h *PurchaseOrderHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/purchase_orders", h.List).Methods("GET")
	router.HandleFunc("/purchase_orders", h.Create).Methods("POST")
	router.HandleFunc("/purchase_orders/{id:[0-9]+}", h.Get).Methods("GET")
}

// List returns the purchase orders visible to the caller
func (h *PurchaseOrderHandlers) List(w http.ResponseWriter, r *http.Request) {
	scopeByField, ok := h.gate.resolve(w, r, EndpointPurchaseOrders)
	if !ok {
		return
	}

	params := procurement.ListPurchaseOrdersParams{
		Skip:  httputil.ParseQueryInt(r, "skip", 0),
		Limit: httputil.ParseQueryInt(r, "limit", 100),
	}
	if vendorID := httputil.ParseQueryInt(r, "vendor_id", 0); vendorID > 0 {
		id := int64(vendorID)
		params.VendorID = &id
	}

	orders, err := h.store.List(r.Context(), params, scopeByField)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if orders == nil {
		orders = []procurement.PurchaseOrder{}
	}
	httputil.WriteSuccess(w, orders)
}

// Get returns one purchase order with its items
func (h *PurchaseOrderHandlers) Get(w http.ResponseWriter, r *http.Request) {
	scopeByField, ok := h.gate.resolve(w, r, EndpointPurchaseOrders)
	if !ok {
		return
	}

	id := httputil.ParsePathInt64(mux.Vars(r), "id")
	order, err := h.store.Get(r.Context(), id)
	if errors.Is(err, procurement.ErrPurchaseOrderNotFound) {
		httputil.WriteNotFound(w, "Purchase order not found.")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	inScope, err := h.store.InScope(r.Context(), order, scopeByField)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if !inScope {
		// Out-of-scope documents are indistinguishable from missing ones.
		httputil.WriteNotFound(w, "Purchase order not found.")
		return
	}
	httputil.WriteSuccess(w, order)
}

// Create creates a purchase order with its items
func (h *PurchaseOrderHandlers) Create(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gate.resolve(w, r, EndpointPurchaseOrdersCreate); !ok {
		return
	}

	var input procurement.CreatePurchaseOrderInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}
	if input.PONumber == "" {
		httputil.WriteBadRequest(w, "po_number is required")
		return
	}
	if len(input.Items) == 0 {
		httputil.WriteBadRequest(w, "at least one item is required")
		return
	}

	order, err := h.store.Create(r.Context(), input, middleware.GetUserEmail(r))
	switch {
	case errors.Is(err, procurement.ErrVendorInvalid):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, procurement.ErrDuplicatePONumber):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	case err != nil:
		httputil.WriteInternalError(w, err)
	default:
		httputil.WriteCreated(w, order)
	}
}
