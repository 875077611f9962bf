package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/harborline/backoffice/pkg/httputil"
	"github.com/harborline/backoffice/pkg/middleware"
	"github.com/harborline/backoffice/pkg/procurement"
)

// ShipmentHandlers handles shipment HTTP requests
type ShipmentHandlers struct {
	store *procurement.ShipmentStore
	gate  *scopeGate
}

// NewShipmentHandlers creates a new ShipmentHandlers
func NewShipmentHandlers(store *procurement.ShipmentStore, gate *scopeGate) *ShipmentHandlers {
	return &ShipmentHandlers{store: store, gate: gate}
}

// RegisterRoutes registers shipment routes
func (h *ShipmentHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/shipments", h.List).Methods("GET")
	router.HandleFunc("/shipments/from-schedule-lines", h.CreateFromScheduleLines).Methods("POST")
	router.HandleFunc("/shipments/{id:[0-9]+}", h.Get).Methods("GET")
}

// List returns the shipments visible to the caller
func (h *ShipmentHandlers) List(w http.ResponseWriter, r *http.Request) {
	scopeByField, ok := h.gate.resolve(w, r, EndpointShipmentsList)
	if !ok {
		return
	}

	params := procurement.ListShipmentsParams{
		Skip:  httputil.ParseQueryInt(r, "skip", 0),
		Limit: httputil.ParseQueryInt(r, "limit", 100),
	}
	shipments, err := h.store.List(r.Context(), params, scopeByField)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if shipments == nil {
		shipments = []procurement.ShipmentHeader{}
	}
	httputil.WriteSuccess(w, shipments)
}

// Get returns one shipment with its items
func (h *ShipmentHandlers) Get(w http.ResponseWriter, r *http.Request) {
	scopeByField, ok := h.gate.resolve(w, r, EndpointShipmentsRead)
	if !ok {
		return
	}

	id := httputil.ParsePathInt64(mux.Vars(r), "id")
	inScope, err := h.store.InScope(r.Context(), id, scopeByField)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if !inScope {
		httputil.WriteNotFound(w, "Shipment not found.")
		return
	}

	shipment, err := h.store.Get(r.Context(), id)
	if errors.Is(err, procurement.ErrShipmentNotFound) {
		httputil.WriteNotFound(w, "Shipment not found.")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, shipment)
}

// CreateFromScheduleLines creates a shipment covering open schedule lines
func (h *ShipmentHandlers) CreateFromScheduleLines(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gate.resolve(w, r, EndpointShipmentsCreate); !ok {
		return
	}

	var input procurement.CreateShipmentInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}
	if len(input.Items) == 0 {
		httputil.WriteBadRequest(w, "at least one item is required")
		return
	}

	shipment, err := h.store.CreateFromScheduleLines(r.Context(), input, middleware.GetUserEmail(r))
	switch {
	case errors.Is(err, procurement.ErrPOItemNotFound),
		errors.Is(err, procurement.ErrScheduleLineNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, procurement.ErrScheduleLineMismatch):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, procurement.ErrScheduleLineLinked),
		errors.Is(err, procurement.ErrOvershipment):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	case err != nil:
		httputil.WriteInternalError(w, err)
	default:
		httputil.WriteCreated(w, shipment)
	}
}
