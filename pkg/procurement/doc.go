// Package procurement contains the data access layer for purchase orders,
// shipments, procurement reports, and document edit locks. Every listing
// query accepts a scope-by-field filter produced by the policy authorizer
// and narrows its result set to the rows the caller may see.
package procurement
