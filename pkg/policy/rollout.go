package policy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/harborline/backoffice/pkg/config"
	"github.com/harborline/backoffice/pkg/observability"
	"github.com/harborline/backoffice/pkg/scope"
)

// Sentinel fields encoding a denial inside a scope-by-field map, for callers
// that only carry the map. IsScopeDenied must be checked before treating an
// empty map as unrestricted.
const (
	ScopeDenyField       = "__deny__"
	ScopeDenyReasonField = "__deny_reason__"
)

var scopeDenyReasonCodes = map[string]int64{
	"blocked":                     1,
	ReasonEmptyResolvedScope:      2,
	ReasonInvalidMetadataContract: 3,
}

var scopeDenyReasonByCode = func() map[int64]string {
	out := make(map[int64]string, len(scopeDenyReasonCodes))
	for reason, code := range scopeDenyReasonCodes {
		out[code] = reason
	}
	return out
}()

// IsScopeDenied reports whether a scope-by-field map encodes a denial
func IsScopeDenied(scopeByField scope.ScopeByField) bool {
	if len(scopeByField) == 0 {
		return false
	}
	return len(scopeByField[ScopeDenyField]) > 0
}

// ScopeDenyDetail returns the user-facing denial message for a denied scope
func ScopeDenyDetail(scopeByField scope.ScopeByField) string {
	const generic = "Access denied by role-scope policy"
	if !IsScopeDenied(scopeByField) {
		return generic
	}

	var reason string
	for code := range scopeByField[ScopeDenyReasonField] {
		reason = scopeDenyReasonByCode[code]
		break
	}
	switch reason {
	case ReasonEmptyResolvedScope:
		return generic + ": empty resolved scope for scoped endpoint"
	case ReasonInvalidMetadataContract:
		return generic + ": invalid scoped metadata contract"
	}
	return generic
}

// SanitizeScopeByField strips the deny sentinel fields, returning only the
// business filter fields.
func SanitizeScopeByField(scopeByField scope.ScopeByField) scope.ScopeByField {
	out := make(scope.ScopeByField, len(scopeByField))
	for field, ids := range scopeByField {
		if field == ScopeDenyField || field == ScopeDenyReasonField {
			continue
		}
		out[field] = ids.Clone()
	}
	return out
}

func denyScope(reason string) scope.ScopeByField {
	code, ok := scopeDenyReasonCodes[reason]
	if !ok {
		code = scopeDenyReasonCodes["blocked"]
	}
	return scope.ScopeByField{
		ScopeDenyField:       scope.NewIDSet(1),
		ScopeDenyReasonField: scope.NewIDSet(code),
	}
}

var allowedPolicyModes = scope.NewStringSet("auto", "legacy", "union", "union_metadata")

// Authorizer is the rollout layer: it picks an evaluation mode per endpoint
// from the configured feature flags and dispatches to the legacy precedence
// scope, the full union scope, or the metadata decision engine.
type Authorizer struct {
	cfg      config.RoleScopeConfig
	resolver *scope.Resolver
	engine   *Engine
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewAuthorizer creates the rollout-layer authorizer. metrics may be nil.
func NewAuthorizer(cfg config.RoleScopeConfig, resolver *scope.Resolver, engine *Engine, logger *observability.Logger, metrics *observability.Metrics) *Authorizer {
	return &Authorizer{
		cfg:      cfg,
		resolver: resolver,
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
	}
}

func (a *Authorizer) normalizedPolicyMode() string {
	mode := strings.ToLower(strings.TrimSpace(a.cfg.Mode))
	if mode == "" || !allowedPolicyModes.Has(mode) {
		return "auto"
	}
	return mode
}

func (a *Authorizer) rolloutPatterns() []string {
	var patterns []string
	for _, token := range strings.Split(a.cfg.RolloutEndpoints, ",") {
		if trimmed := strings.ToLower(strings.TrimSpace(token)); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	return patterns
}

func (a *Authorizer) endpointInRollout(endpointKey string) bool {
	patterns := a.rolloutPatterns()
	if len(patterns) == 0 {
		return true
	}
	candidate := strings.ToLower(strings.TrimSpace(endpointKey))
	if candidate == "" {
		return false
	}
	for _, pattern := range patterns {
		if pattern == candidate || matchGlob(pattern, candidate) {
			return true
		}
	}
	return false
}

// ResolveMode returns the effective evaluation mode for an endpoint:
// legacy, union, or union_metadata.
func (a *Authorizer) ResolveMode(endpointKey string) string {
	if !a.cfg.PolicyEnabled {
		// Preserve the pre-policy-framework behavior driven solely by the
		// union-scope flag.
		if a.cfg.UnionScopeEnabled {
			return "union"
		}
		return "legacy"
	}

	policyMode := a.normalizedPolicyMode()
	if policyMode == "legacy" {
		return "legacy"
	}
	if !a.endpointInRollout(endpointKey) {
		return "legacy"
	}
	if policyMode == "union" || policyMode == "union_metadata" {
		return policyMode
	}
	if a.cfg.UnionScopeEnabled {
		return "union"
	}
	return "legacy"
}

// IsUnionScopeEnabledForEndpoint reports whether the endpoint evaluates under
// a union-based mode rather than legacy precedence.
func (a *Authorizer) IsUnionScopeEnabledForEndpoint(endpointKey string) bool {
	mode := a.ResolveMode(endpointKey)
	return mode == "union" || mode == "union_metadata"
}

// ResolveScopeByField computes the scope filter for one request. An empty map
// means unrestricted; denial is encoded via the sentinel fields and must be
// checked with IsScopeDenied.
func (a *Authorizer) ResolveScopeByField(ctx context.Context, userEmail, endpointKey, httpMethod, endpointPath string) (scope.ScopeByField, error) {
	if strings.TrimSpace(userEmail) == "" {
		return scope.ScopeByField{}, nil
	}

	start := time.Now()
	effectiveMode := a.ResolveMode(endpointKey)

	switch effectiveMode {
	case "union":
		unionScope, err := a.resolver.ResolveUnionScope(ctx, userEmail)
		if err != nil {
			return nil, err
		}
		scopeByField := unionScope.FieldToIDs()
		a.observeDecision(endpointKey, userEmail, "union", ReasonOK, start, scopeByField)
		return scopeByField, nil

	case "union_metadata":
		decision, err := a.engine.Decide(ctx, userEmail, endpointKey, httpMethod, endpointPath)
		if err != nil {
			return nil, err
		}

		var scopeByField scope.ScopeByField
		var auditMode string
		switch {
		case !decision.Allow:
			reason := decision.Reason
			if reason == "" {
				reason = "blocked"
			}
			scopeByField = denyScope(reason)
			auditMode = "union_metadata_deny:" + reason
		case len(decision.ScopeByField) == 0 && a.cfg.MetadataFallbackToUnion:
			unionScope, err := a.resolver.ResolveUnionScope(ctx, userEmail)
			if err != nil {
				return nil, err
			}
			scopeByField = unionScope.FieldToIDs()
			auditMode = "union_metadata_fallback_union"
		default:
			scopeByField = decision.ScopeByField
			auditMode = "union_metadata"
		}
		a.observeDecision(endpointKey, userEmail, auditMode, decision.Reason, start, scopeByField)
		return scopeByField, nil
	}

	scopeByField, err := a.resolver.ResolveLegacyPrecedenceScope(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	a.observeDecision(endpointKey, userEmail, "legacy", ReasonOK, start, scopeByField)
	return scopeByField, nil
}

// Decide exposes the engine's full typed decision alongside the effective
// mode, for callers that need the audit-capable result rather than the map.
// Non-metadata modes are reported as always-allowed with their resolved scope.
func (a *Authorizer) Decide(ctx context.Context, userEmail, endpointKey, httpMethod, endpointPath string) (*Decision, string, error) {
	effectiveMode := a.ResolveMode(endpointKey)
	if effectiveMode == "union_metadata" && strings.TrimSpace(userEmail) != "" {
		decision, err := a.engine.Decide(ctx, userEmail, endpointKey, httpMethod, endpointPath)
		return decision, effectiveMode, err
	}

	scopeByField, err := a.ResolveScopeByField(ctx, userEmail, endpointKey, httpMethod, endpointPath)
	if err != nil {
		return nil, effectiveMode, err
	}
	return &Decision{Allow: true, ScopeByField: scopeByField, Reason: ReasonOK}, effectiveMode, nil
}

func (a *Authorizer) auditSampleRate() float64 {
	rate := a.cfg.AuditSampleRate
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

func (a *Authorizer) shouldEmitAuditLog() bool {
	if !a.cfg.AuditEnabled {
		return false
	}
	rate := a.auditSampleRate()
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return rand.Float64() <= rate
}

func (a *Authorizer) observeDecision(endpointKey, userEmail, mode, reason string, start time.Time, scopeByField scope.ScopeByField) {
	if a.metrics != nil {
		if reason == "" {
			reason = ReasonOK
		}
		a.metrics.ScopeDecisionsTotal.WithLabelValues(mode, reason).Inc()
		a.metrics.ScopeDecisionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}

	if a.logger == nil || !a.shouldEmitAuditLog() {
		return
	}

	fields := make([]string, 0, len(scopeByField))
	sizes := make(map[string]int, len(scopeByField))
	for field, ids := range scopeByField {
		fields = append(fields, field)
		sizes[field] = len(ids)
	}
	sort.Strings(fields)

	endpointLabel := endpointKey
	if endpointLabel == "" {
		endpointLabel = "-"
	}
	userLabel := userEmail
	if userLabel == "" {
		userLabel = "-"
	}
	a.logger.Infof("role_scope_decision endpoint=%s user=%s mode=%s scope_keys=%v scope_sizes=%v",
		endpointLabel, userLabel, mode, fields, sizes)

	if a.cfg.AuditVerbose {
		resolved := make(map[string][]int64, len(scopeByField))
		for field, ids := range scopeByField {
			resolved[field] = ids.Values()
		}
		a.logger.Infof("role_scope_decision_scope endpoint=%s user=%s scope=%s",
			endpointLabel, userLabel, fmt.Sprintf("%v", resolved))
	}
}
