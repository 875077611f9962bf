// Package policy implements the metadata-driven role-scope authorization
// engine: policy document parsing, endpoint matching, contract validation,
// the fail-soft metadata store, the decision engine, and the rollout layer
// that lets operators migrate endpoints between legacy, union, and
// metadata-driven scoping one at a time.
//
// The engine never widens access on bad input: a policy that fails its
// contract check denies, and a scoped endpoint that resolves no identifiers
// denies rather than falling through to "unrestricted".
package policy
