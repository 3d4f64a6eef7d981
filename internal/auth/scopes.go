package auth

const (
	ScopeOpenID       = "openid"
	ScopeProfile      = "profile"
	ScopeEmail        = "email"
	ScopeInsightRead  = "insight:read"
	ScopeInsightWrite = "insight:write"
)

// AllScopes defines the full set of scopes requested by the Swagger UI
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeInsightRead,
	ScopeInsightWrite,
}
