// Package auth identifies the participant behind an API request.
//
// Participants authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret. The "sub" claim is the participant ID and "iss" must be
// consent-gateway. Tokens are minted with the `consent-gateway token`
// subcommand:
//
//	v := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("alice", 24*time.Hour)
//
// # HTTP Middleware
//
// Middleware rejects requests without a valid bearer token with 401 and
// attaches an Identity otherwise. OptionalMiddleware attaches the identity
// when present and lets anonymous requests through. Handlers read it with
// FromContext.
//
// The gateway uses the identity as the requester of Resume and as the
// sender of ingested messages. With no jwt_secret configured, auth is off
// and those handlers take the user from the request body.
package auth
