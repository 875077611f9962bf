package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/harborline/backoffice/pkg/httputil"
	"github.com/harborline/backoffice/pkg/metadata"
	"github.com/harborline/backoffice/pkg/policy"
)

// MetadataHandlers handles metadata registry admin HTTP requests
type MetadataHandlers struct {
	registry   *metadata.Registry
	policyDocs *policy.MetadataStore
	gate       *scopeGate
}

// NewMetadataHandlers creates a new MetadataHandlers. policyDocs may be nil;
// when set, publishing the policy type resets its cache immediately.
func NewMetadataHandlers(registry *metadata.Registry, policyDocs *policy.MetadataStore, gate *scopeGate) *MetadataHandlers {
	return &MetadataHandlers{registry: registry, policyDocs: policyDocs, gate: gate}
}

// RegisterRoutes registers metadata registry routes
func (h *MetadataHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/metadata/types", h.ListTypes).Methods("GET")
	router.HandleFunc("/metadata/types/{key}/published", h.GetPublished).Methods("GET")
	router.HandleFunc("/metadata/types/{key}/versions", h.ListVersions).Methods("GET")
	router.HandleFunc("/metadata/types/{key}/draft", h.SaveDraft).Methods("POST")
	router.HandleFunc("/metadata/types/{key}/publish", h.Publish).Methods("POST")
}

// writeMetadataError maps registry failures onto HTTP statuses
func writeMetadataError(w http.ResponseWriter, err error) {
	var validation *metadata.ValidationError
	switch {
	case errors.Is(err, metadata.ErrTypeNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, metadata.ErrNoPublishCandidate):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	case errors.As(err, &validation):
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "metadata payload validation failed",
			"issues": validation.Issues,
		})
	default:
		httputil.WriteInternalError(w, err)
	}
}

// ListTypes returns every registered metadata type
func (h *MetadataHandlers) ListTypes(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gate.requireAdmin(w, r); !ok {
		return
	}
	types, err := h.registry.ListTypes(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if types == nil {
		types = []*metadata.Type{}
	}
	httputil.WriteSuccess(w, types)
}

// GetPublished returns the currently published payload of a type
func (h *MetadataHandlers) GetPublished(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gate.requireAdmin(w, r); !ok {
		return
	}
	published, err := h.registry.GetPublished(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeMetadataError(w, err)
		return
	}
	httputil.WriteSuccess(w, published)
}

// ListVersions returns the stored revisions of a type, newest first
func (h *MetadataHandlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gate.requireAdmin(w, r); !ok {
		return
	}
	limit := httputil.ParseQueryInt(r, "limit", 20)
	versions, err := h.registry.ListVersions(r.Context(), mux.Vars(r)["key"], limit)
	if err != nil {
		writeMetadataError(w, err)
		return
	}
	if versions == nil {
		versions = []*metadata.Version{}
	}
	httputil.WriteSuccess(w, versions)
}

// draftRequest is the body of a save-draft call
type draftRequest struct {
	Payload json.RawMessage `json:"payload"`
	Note    string          `json:"note"`
}

// SaveDraft stores a new draft version of a type
func (h *MetadataHandlers) SaveDraft(w http.ResponseWriter, r *http.Request) {
	email, ok := h.gate.requireAdmin(w, r)
	if !ok {
		return
	}

	var req draftRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 {
		httputil.WriteBadRequest(w, "payload is required")
		return
	}

	version, err := h.registry.SaveDraft(r.Context(), mux.Vars(r)["key"], req.Payload, email, req.Note)
	if err != nil {
		writeMetadataError(w, err)
		return
	}
	httputil.WriteCreated(w, version)
}

// publishRequest is the body of a publish call. VersionNo zero publishes the
// latest draft.
type publishRequest struct {
	VersionNo int    `json:"version_no"`
	Note      string `json:"note"`
}

// Publish promotes a version to published and refreshes the policy cache
func (h *MetadataHandlers) Publish(w http.ResponseWriter, r *http.Request) {
	email, ok := h.gate.requireAdmin(w, r)
	if !ok {
		return
	}

	var req publishRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	typeKey := mux.Vars(r)["key"]
	published, err := h.registry.Publish(r.Context(), typeKey, req.VersionNo, email, req.Note)
	if err != nil {
		writeMetadataError(w, err)
		return
	}
	if h.policyDocs != nil && typeKey == policy.TypeKeyRoleScopePolicy {
		h.policyDocs.Reset()
	}
	httputil.WriteSuccess(w, published)
}
