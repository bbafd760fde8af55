// Package auth provides authentication for the management server.
//
// # Tokens
//
// Agents and operators authenticate with HS256 JWTs signed with the
// configured auth.jwt_secret. The "sub" claim names the agent (or operator)
// and the "role" claim is "agent" or "admin":
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("host-42", auth.RoleAgent, 365*24*time.Hour)
//
// An agent token only lets its holder register as that agent. Admin tokens
// may register as any agent and use the HTTP API.
//
// # gRPC Interceptors
//
// StreamInterceptor reads "authorization: Bearer <token>" from the stream
// metadata and attaches an AuthContext. When no secret is configured the
// NoAuthStreamInterceptor attaches the Anonymous identity instead.
package auth
