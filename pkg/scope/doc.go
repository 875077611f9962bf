// Package scope resolves the data-visibility scope of a user.
//
// A user may simultaneously be linked to several customers, supplier partners,
// and forwarder partners through link tables. The Resolver computes the union
// of those identity facts (UserUnionScope) from active, non-deleted link rows,
// and interprets the declarative source strings used by policy documents
// through a fixed allow-list of three source patterns.
//
// Resolution is a pure read: an unknown email yields empty sets, never an
// error. Callers decide how to treat an empty scope.
package scope
