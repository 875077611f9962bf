// Package metadata implements the versioned metadata registry: named
// metadata types whose JSON payloads move through a draft, published,
// archived lifecycle with an immutable audit trail. The policy metadata
// store reads the published role_scope_policy document through it.
package metadata
