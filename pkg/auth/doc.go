// Package auth verifies bearer tokens against an OpenID Connect provider
// and maps verified claims onto the caller's email identity.
package auth
