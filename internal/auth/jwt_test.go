package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTokenRoundTrip(t *testing.T) {
	m := newManager(t)
	token, err := m.GenerateToken("alice", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Operator != "alice" || !claims.CanAct() {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestTokenValidation(t *testing.T) {
	m := newManager(t)
	other, _ := NewJWTManager("ffffffffffffffffffffffffffffffff", time.Hour)
	foreign, _ := other.GenerateToken("mallory", RoleOperator)

	expired := newManager(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.GenerateToken("bob", RoleOperator)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", old, ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ValidateToken(tt.token); err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	m := newManager(t)
	if _, err := m.GenerateToken("", RoleOperator); err == nil {
		t.Error("expected error for empty operator")
	}
	if _, err := m.GenerateToken("alice", "root"); err != ErrInvalidRole {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := NewJWTManager("short", time.Hour); err == nil {
		t.Error("expected short secret to be rejected")
	}
}

// ==================== MIDDLEWARE ====================

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newManager(t)
	operatorToken, _ := m.GenerateToken("alice", RoleOperator)
	viewerToken, _ := m.GenerateToken("vic", RoleViewer)

	r := gin.New()
	r.POST("/act", Middleware(m), RequireOperator(), func(c *gin.Context) {
		c.String(http.StatusOK, GetOperator(c))
	})

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"bad format", "Token abc", http.StatusUnauthorized, ""},
		{"invalid token", "Bearer abc", http.StatusUnauthorized, ""},
		{"viewer forbidden", "Bearer " + viewerToken, http.StatusForbidden, ""},
		{"operator allowed", "Bearer " + operatorToken, http.StatusOK, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/act", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, w.Body.String())
			}
		})
	}
}
