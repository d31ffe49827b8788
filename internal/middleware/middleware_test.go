package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crop-diagnosis-back/internal/auth"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ownerRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.GET("/who", mw, func(c *gin.Context) {
		owner := OwnerID(c)
		if owner == nil {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, *owner)
	})
	return r
}

func TestOptionalAuth(t *testing.T) {
	tokens := auth.NewManager("secret", time.Hour)
	token, err := tokens.GenerateToken(7)
	if err != nil {
		t.Fatal(err)
	}
	r := ownerRouter(OptionalAuth(tokens))

	tests := []struct {
		name       string
		header     string
		cookie     string
		wantStatus int
		wantBody   string
	}{
		{name: "anonymous", wantStatus: http.StatusOK, wantBody: "anonymous"},
		{name: "bearer", header: "Bearer " + token, wantStatus: http.StatusOK, wantBody: "7"},
		{name: "cookie", cookie: token, wantStatus: http.StatusOK, wantBody: "7"},
		{name: "bad token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/who", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestAuthMiddleware_RequiresToken(t *testing.T) {
	r := ownerRouter(AuthMiddleware(auth.NewManager("secret", time.Hour)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"http://localhost:3000"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatal("listed origin not allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin allowed")
	}
}
