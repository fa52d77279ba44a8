package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for the supervisor and
// call-control API. Every token is scoped to a workspace: call records,
// IVR flows and live sessions are all addressed per workspace, so
// WorkspaceID must be present for any control-surface activity. Platform
// operator override is enforced by server-side role checks, never by a
// claim.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	TokenType   TokenType `json:"token_type"`
}
