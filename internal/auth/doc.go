// Package auth checks the credentials carried by identify frames.
//
// # Roles
//
// Clients present an apiKey. It is accepted when it matches the configured
// api_key or, if jwt_secret is set, when it is a valid HS256 token. The
// token's "sub" claim becomes the client's display name.
//
// The agent presents a secret that must match agent_secret.
//
// A role with no configured credential is open: any identify for that role
// is admitted.
//
// # Stored Secrets
//
// api_key and agent_secret may be stored as bcrypt hashes. Values with a
// $2a$, $2b$ or $2y$ prefix are compared with bcrypt; everything else is
// compared in constant time.
//
// # Tokens
//
//	v, err := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("ops-laptop", 24*time.Hour)
//	subject, err := v.Verify(token)
package auth
