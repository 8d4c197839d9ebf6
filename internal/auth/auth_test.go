package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "actor-key"
	testIssuer = "latepass"
)

func TestIssueParse(t *testing.T) {
	token, exp, err := Issue("u-1", "org-1", RoleStaff, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	assert.True(t, time.Until(exp) > 0, "exp %v is not in the future", exp)
	claims, err := Parse(token, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, RoleStaff, claims.Role)

	_, err = Parse(token, "wrong-key", testIssuer)
	assert.Error(t, err, "wrong key")
	_, err = Parse(token, testKey, "other-issuer")
	assert.Error(t, err, "wrong issuer")
	expired, _, _ := Issue("u-1", "org-1", RoleStaff, testIssuer, testKey, -time.Minute)
	_, err = Parse(expired, testKey, testIssuer)
	assert.Error(t, err, "expired")
	_, _, err = Issue("", "org-1", RoleStaff, testIssuer, testKey, time.Hour)
	assert.Error(t, err, "missing user")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/any", ActorAuth(testKey, testIssuer), func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.String(http.StatusOK, claims.OrgID)
	})
	r.GET("/admin", ActorAuth(testKey, testIssuer), RequireRole(RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	staff, _, _ := Issue("u-1", "org-1", RoleStaff, testIssuer, testKey, time.Hour)
	admin, _, _ := Issue("u-2", "org-1", RoleAdmin, testIssuer, testKey, time.Hour)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no header", "/any", "", http.StatusUnauthorized},
		{"not bearer", "/any", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "/any", "Bearer abc", http.StatusUnauthorized},
		{"staff", "/any", "Bearer " + staff, http.StatusOK},
		{"staff on admin route", "/admin", "Bearer " + staff, http.StatusForbidden},
		{"admin", "/admin", "bearer " + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
