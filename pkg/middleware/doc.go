// Package middleware provides HTTP middleware for the back-office API:
// request identity extraction, request IDs, and request logging.
//
// Authentication itself happens upstream; IdentityMiddleware only verifies
// the forwarded bearer token through the injected Verifier and attaches the
// resulting user email to the request context for scope resolution.
package middleware
