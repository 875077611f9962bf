package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document is the parsed policy metadata artifact. Exactly one variant is
// set; the v2 shape is recognized by the presence of the role_scope_mapping
// key, even when its list is empty.
type Document struct {
	V1 *DocumentV1
	V2 *DocumentV2
}

// DocumentV2 is the mapping-based policy shape
type DocumentV2 struct {
	Version          string        `json:"version,omitempty"`
	Description      string        `json:"description,omitempty"`
	EndpointPolicies []PolicyV2    `json:"endpoint_policies"`
	RoleScopeMapping []MappingRule `json:"role_scope_mapping"`
}

// PolicyV2 is one endpoint policy in a v2 document
type PolicyV2 struct {
	ID               string   `json:"id,omitempty"`
	Endpoint         string   `json:"endpoint,omitempty"`
	Method           string   `json:"method,omitempty"`
	Path             string   `json:"path,omitempty"`
	Enabled          *bool    `json:"enabled,omitempty"`
	AllowedRolesAny  []string `json:"allowed_roles_any,omitempty"`
	RequiredRolesAll []string `json:"required_roles_all,omitempty"`
	ScopeMode        string   `json:"scope_mode,omitempty"`
	ScopeDimensions  []string `json:"scope_dimensions,omitempty"`
	BypassRoles      []string `json:"bypass_roles,omitempty"`
}

// IsEnabled reports whether the policy is active; enabled defaults to true
func (p *PolicyV2) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// EffectiveScopeMode returns the normalized scope mode, defaulting to union
func (p *PolicyV2) EffectiveScopeMode() string {
	mode := strings.ToLower(strings.TrimSpace(p.ScopeMode))
	if mode == "" {
		return "union"
	}
	return mode
}

// MappingRule maps a role to a scope dimension and the declarative source
// expression that resolves its identifier set.
type MappingRule struct {
	Role        string `json:"role"`
	Dimension   string `json:"dimension"`
	Source      string `json:"source"`
	TargetField string `json:"target_field,omitempty"`
}

// DocumentV1 is the legacy clause-based policy shape
type DocumentV1 struct {
	Version          string     `json:"version,omitempty"`
	EndpointPolicies []PolicyV1 `json:"endpoint_policies"`
}

// PolicyV1 is one endpoint policy in a v1 document
type PolicyV1 struct {
	Endpoint     string         `json:"endpoint,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
	SourceFilter SourceFilterV1 `json:"source_filter"`
}

// IsEnabled reports whether the policy is active; enabled defaults to true
func (p *PolicyV1) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// SourceFilterV1 wraps the clause list of a v1 policy
type SourceFilterV1 struct {
	Clauses []ClauseV1 `json:"clauses"`
}

// ClauseV1 is one scope clause of a v1 policy
type ClauseV1 struct {
	Dimension     string   `json:"dimension"`
	TargetField   string   `json:"target_field,omitempty"`
	IncludeValues []string `json:"include_values,omitempty"`
	ExcludeValues []string `json:"exclude_values,omitempty"`
	WhenAnyRole   []string `json:"when_any_role,omitempty"`
	WhenAllRoles  []string `json:"when_all_roles,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
}

// IsEnabled reports whether the clause is active; enabled defaults to true
func (c *ClauseV1) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ParseDocument parses raw JSON into a typed document. The top level must be
// a JSON object; the v2 variant is selected when the role_scope_mapping key
// is present, regardless of its contents.
func ParseDocument(data []byte) (*Document, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("policy document is not a JSON object: %w", err)
	}

	if _, isV2 := probe["role_scope_mapping"]; isV2 {
		var v2 DocumentV2
		if err := json.Unmarshal(data, &v2); err != nil {
			return nil, fmt.Errorf("failed to parse v2 policy document: %w", err)
		}
		return &Document{V2: &v2}, nil
	}

	var v1 DocumentV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, fmt.Errorf("failed to parse v1 policy document: %w", err)
	}
	return &Document{V1: &v1}, nil
}

// Clone returns a deep copy so cache consumers never share mutable state
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{}
	if d.V1 != nil {
		v1 := *d.V1
		v1.EndpointPolicies = make([]PolicyV1, len(d.V1.EndpointPolicies))
		for i, p := range d.V1.EndpointPolicies {
			cp := p
			cp.Enabled = cloneBoolPtr(p.Enabled)
			cp.SourceFilter.Clauses = make([]ClauseV1, len(p.SourceFilter.Clauses))
			for j, clause := range p.SourceFilter.Clauses {
				cc := clause
				cc.Enabled = cloneBoolPtr(clause.Enabled)
				cc.IncludeValues = cloneStrings(clause.IncludeValues)
				cc.ExcludeValues = cloneStrings(clause.ExcludeValues)
				cc.WhenAnyRole = cloneStrings(clause.WhenAnyRole)
				cc.WhenAllRoles = cloneStrings(clause.WhenAllRoles)
				cp.SourceFilter.Clauses[j] = cc
			}
			v1.EndpointPolicies[i] = cp
		}
		out.V1 = &v1
	}
	if d.V2 != nil {
		v2 := *d.V2
		v2.EndpointPolicies = make([]PolicyV2, len(d.V2.EndpointPolicies))
		for i, p := range d.V2.EndpointPolicies {
			cp := p
			cp.Enabled = cloneBoolPtr(p.Enabled)
			cp.AllowedRolesAny = cloneStrings(p.AllowedRolesAny)
			cp.RequiredRolesAll = cloneStrings(p.RequiredRolesAll)
			cp.ScopeDimensions = cloneStrings(p.ScopeDimensions)
			cp.BypassRoles = cloneStrings(p.BypassRoles)
			v2.EndpointPolicies[i] = cp
		}
		v2.RoleScopeMapping = make([]MappingRule, len(d.V2.RoleScopeMapping))
		copy(v2.RoleScopeMapping, d.V2.RoleScopeMapping)
		out.V2 = &v2
	}
	return out
}

func cloneBoolPtr(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
