package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopeRunsRead       = "runs:read"
	ScopeRunsWrite      = "runs:write"
	ScopeProcessesWrite = "processes:write"
)

// AllScopes defines the full set of scopes used by the Swagger UI / Frontend
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeRunsRead,
	ScopeRunsWrite,
	ScopeProcessesWrite,
}
