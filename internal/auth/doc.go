// Package auth provides token-based authentication for dm-gateway.
//
// # JWT Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured jwt_secret.
// The "sub" claim is the username; it becomes the connection identity.
//
//	verifier := auth.NewJWTVerifier([]byte(secret))
//	token, _ := verifier.Generate("alice", 12*time.Hour)
//	username, err := verifier.Verify(token)
//
// Verify distinguishes ErrMalformedToken, ErrExpiredToken and ErrInvalidToken.
//
// # HTTP
//
// HTTPAuthMiddleware guards the REST API; handlers read the identity with
// FromContext. WebSocket connections authenticate on their CONNECT frame
// instead (see the session package).
//
// # Passwords
//
// HashPassword and CheckPassword wrap bcrypt for the /auth/login endpoint.
package auth
