package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/agent", RequireAgent(), func(c *gin.Context) {
		c.String(http.StatusOK, GetAgentID(c))
	})
	r.GET("/admin", RequireAdmin(secret), func(c *gin.Context) {
		c.String(http.StatusOK, GetAdminID(c))
	})
	return r
}

func TestRequireAgent(t *testing.T) {
	r := setupRouter("s3cret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/agent", nil)
	req.Header.Set(HeaderAgentID, " agent_1 ")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "agent_1", w.Body.String())
}

func TestRequireAdmin(t *testing.T) {
	r := setupRouter("s3cret")

	tests := []struct {
		name     string
		secret   string
		adminID  string
		wantCode int
		wantBody string
	}{
		{"missing secret", "", "", http.StatusForbidden, ""},
		{"wrong secret", "nope", "ops", http.StatusForbidden, ""},
		{"valid with id", "s3cret", "ops", http.StatusOK, "ops"},
		{"valid without id", "s3cret", "", http.StatusOK, "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.secret != "" {
				req.Header.Set(HeaderAdminSecret, tt.secret)
			}
			if tt.adminID != "" {
				req.Header.Set(HeaderAdminID, tt.adminID)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestRequireAdmin_OpenInDevelopment(t *testing.T) {
	r := setupRouter("")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
