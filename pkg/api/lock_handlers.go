package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/harborline/backoffice/pkg/httputil"
	"github.com/harborline/backoffice/pkg/middleware"
	"github.com/harborline/backoffice/pkg/procurement"
)

// LockHandlers handles document edit lock HTTP requests
type LockHandlers struct {
	locks          *procurement.DocumentLockStore
	purchaseOrders *procurement.PurchaseOrderStore
	shipments      *procurement.ShipmentStore
	gate           *scopeGate
}

// NewLockHandlers creates a new LockHandlers
func NewLockHandlers(locks *procurement.DocumentLockStore, purchaseOrders *procurement.PurchaseOrderStore,
	shipments *procurement.ShipmentStore, gate *scopeGate) *LockHandlers {
	return &LockHandlers{
		locks:          locks,
		purchaseOrders: purchaseOrders,
		shipments:      shipments,
		gate:           gate,
	}
}

// RegisterRoutes registers document lock routes
func (h *LockHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/document-locks/acquire", h.Acquire).Methods("POST")
	router.HandleFunc("/document-locks/heartbeat", h.Heartbeat).Methods("POST")
	router.HandleFunc("/document-locks/release", h.Release).Methods("POST")
	router.HandleFunc("/document-locks/active", h.ListActive).Methods("GET")
	router.HandleFunc("/document-locks/{id:[0-9]+}/force-release", h.ForceRelease).Methods("POST")
}

// acquireRequest is the body of a lock acquire call
type acquireRequest struct {
	ObjectType string `json:"object_type"`
	DocumentID int64  `json:"document_id"`
	SessionID  string `json:"session_id"`
}

// acquireResponse returns the lock row plus the one-time plaintext token
type acquireResponse struct {
	Lock      *procurement.DocumentLock `json:"lock"`
	LockToken string                    `json:"lock_token"`
}

// writeLockError renders lock protocol failures with their mapped status,
// falling back to 500 for unexpected store errors.
func writeLockError(w http.ResponseWriter, err error) {
	var failure *procurement.LockFailure
	if errors.As(err, &failure) {
		httputil.WriteJSON(w, failure.StatusCode, failure)
		return
	}
	httputil.WriteInternalError(w, err)
}

// ensureDocumentAccess verifies the caller can see the document being locked.
// Out-of-scope documents read as missing, the same as the document endpoints.
func (h *LockHandlers) ensureDocumentAccess(w http.ResponseWriter, r *http.Request, objectType string, documentID int64) bool {
	switch strings.ToUpper(strings.TrimSpace(objectType)) {
	case procurement.ObjectTypePurchaseOrder:
		scopeByField, ok := h.gate.resolve(w, r, EndpointPurchaseOrders)
		if !ok {
			return false
		}
		order, err := h.purchaseOrders.Get(r.Context(), documentID)
		if errors.Is(err, procurement.ErrPurchaseOrderNotFound) {
			httputil.WriteNotFound(w, "Purchase order not found.")
			return false
		}
		if err != nil {
			httputil.WriteInternalError(w, err)
			return false
		}
		inScope, err := h.purchaseOrders.InScope(r.Context(), order, scopeByField)
		if err != nil {
			httputil.WriteInternalError(w, err)
			return false
		}
		if !inScope {
			httputil.WriteNotFound(w, "Purchase order not found.")
			return false
		}
		return true

	case procurement.ObjectTypeShipment:
		scopeByField, ok := h.gate.resolve(w, r, EndpointShipmentsWorkspace)
		if !ok {
			return false
		}
		inScope, err := h.shipments.InScope(r.Context(), documentID, scopeByField)
		if err != nil {
			httputil.WriteInternalError(w, err)
			return false
		}
		if !inScope {
			httputil.WriteNotFound(w, "Shipment not found.")
			return false
		}
		return true
	}

	httputil.WriteBadRequest(w, "object_type must be PURCHASE_ORDER or SHIPMENT")
	return false
}

// Acquire takes the edit lock on a document the caller can see
func (h *LockHandlers) Acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !h.ensureDocumentAccess(w, r, req.ObjectType, req.DocumentID) {
		return
	}

	result, err := h.locks.Acquire(r.Context(), req.ObjectType, req.DocumentID,
		middleware.GetUserEmail(r), req.SessionID)
	if err != nil {
		writeLockError(w, err)
		return
	}
	httputil.WriteSuccess(w, acquireResponse{Lock: result.Lock, LockToken: result.Token})
}

// Heartbeat extends the caller's lock by one TTL
func (h *LockHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	lock, err := h.locks.Heartbeat(r.Context(), r.Header.Get(procurement.LockTokenHeader),
		middleware.GetUserEmail(r))
	if err != nil {
		writeLockError(w, err)
		return
	}
	httputil.WriteSuccess(w, lock)
}

// Release ends the caller's lock. Releasing a blank or already-dead token
// succeeds with no content.
func (h *LockHandlers) Release(w http.ResponseWriter, r *http.Request) {
	lock, err := h.locks.Release(r.Context(), r.Header.Get(procurement.LockTokenHeader),
		middleware.GetUserEmail(r))
	if err != nil {
		writeLockError(w, err)
		return
	}
	if lock == nil {
		httputil.WriteNoContent(w)
		return
	}
	httputil.WriteSuccess(w, lock)
}

// ListActive returns the live locks, for administrators
func (h *LockHandlers) ListActive(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gate.requireAdmin(w, r); !ok {
		return
	}
	locks, err := h.locks.ListActive(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, locks)
}

// forceReleaseRequest is the body of an administrative force-release
type forceReleaseRequest struct {
	Reason string `json:"reason"`
}

// ForceRelease lets an administrator end any lock by id
func (h *LockHandlers) ForceRelease(w http.ResponseWriter, r *http.Request) {
	adminEmail, ok := h.gate.requireAdmin(w, r)
	if !ok {
		return
	}

	var req forceReleaseRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	lockID := httputil.ParsePathInt64(mux.Vars(r), "id")
	lock, err := h.locks.ForceRelease(r.Context(), lockID, adminEmail, req.Reason)
	if err != nil {
		writeLockError(w, err)
		return
	}
	httputil.WriteSuccess(w, lock)
}
