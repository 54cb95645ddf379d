package auth

// Operator roles
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// OperatorClaims identifies the human acting on the control surface
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

// CanAct reports whether the role may change trading state
func (c OperatorClaims) CanAct() bool {
	return c.Role == RoleOperator
}

// AuthError is returned to API callers as {error, message}
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Errors for authentication
var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrInvalidRole  = AuthError{Code: "INVALID_ROLE", Message: "unknown operator role"}
)
