// Package auth provides JWT authentication for the gateway API.
//
// Tokens are HS256-signed with the configured jwt_secret and carry the
// caller id in the "sub" claim. Middleware wraps the API handler, extracts
// the Bearer token, and rejects requests with 401 before they reach any
// route. Health endpoints are mounted outside the middleware.
//
// Generate mints tokens for CLI use:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("caller-1", 30*24*time.Hour)
package auth
