// Package auth issues and validates bearer tokens for the mqttsession API.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. Each carries a
// role: viewers may read sessions, the journal and the live event stream,
// and operators may also publish. There is no user database; tokens are
// minted with `mqttsession token`.
package auth
