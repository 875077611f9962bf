// Package api exposes the back-office HTTP surface: purchase orders,
// shipments, reports, user scope links, document edit locks, and the
// metadata registry admin endpoints.
//
// Every data endpoint resolves the caller's scope-by-field filter through the
// rollout-aware authorizer before touching a store. Handlers never see raw
// role rows; they receive a sanitized field→identifier map and hand it to the
// store layer, which turns it into SQL filters.
package api
