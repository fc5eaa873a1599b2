package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(mw)
	router.Any("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/test", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "HSTS only over TLS")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  bool
		credentials bool
	}{
		{"allowed origin", []string{"https://app.example.com/"}, "https://app.example.com", true, true},
		{"wildcard", []string{"*"}, "https://any.example.com", true, false},
		{"disallowed origin", []string{"https://app.example.com"}, "https://evil.example.com", false, false},
		{"empty list allows none", nil, "https://app.example.com", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tt.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if ips, ok := f[host]; ok {
		return ips, nil
	}
	return nil, errors.New("no such host")
}

func TestValidateAlertEndpoint(t *testing.T) {
	resolver := fakeResolver{
		"hooks.example.com":    {"93.184.216.34"},
		"internal.example.com": {"10.0.0.7"},
	}
	tests := []struct {
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{"https://hooks.example.com/alerts", false, false},
		{"ftp://hooks.example.com", false, true},
		{"https://", false, true},
		{"http://localhost:9000/hook", false, true},
		{"http://127.0.0.1/hook", false, true},
		{"http://169.254.169.254/latest", false, true},
		{"https://internal.example.com/hook", false, true},
		{"https://unknown.example.com/hook", false, true},
		{"http://localhost:9000/hook", true, false},
	}
	for _, tt := range tests {
		err := ValidateAlertEndpoint(context.Background(), tt.url, tt.allowPrivate, resolver)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}
