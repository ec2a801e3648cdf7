package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/v1/funds/f1/aggregate", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(HeadersMiddleware()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/funds/f1/aggregate", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		origin    string
		wantAllow string
		wantCreds bool
	}{
		{name: "listed origin", allowed: []string{"https://app.fundroom.test/"}, origin: "https://app.fundroom.test", wantAllow: "https://app.fundroom.test", wantCreds: true},
		{name: "unlisted origin", allowed: []string{"https://app.fundroom.test"}, origin: "https://evil.test"},
		{name: "wildcard without credentials", allowed: []string{"*"}, origin: "https://any.test", wantAllow: "https://any.test"},
		{name: "no config", origin: "https://any.test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/funds/f1/aggregate", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			newRouter(CORSMiddleware(tt.allowed)).ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/funds/f1/aggregate", nil)
	req.Header.Set("Origin", "https://app.fundroom.test")
	w := httptest.NewRecorder()
	newRouter(CORSMiddleware([]string{"https://app.fundroom.test"})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestValidateWebhookURL(t *testing.T) {
	resolve := func(host string) ([]string, error) {
		switch host {
		case "hooks.fundroom.test":
			return []string{"93.184.216.34"}, nil
		case "internal.fundroom.test":
			return []string{"10.0.0.5"}, nil
		}
		return nil, errors.New("no such host")
	}

	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{name: "public https", url: "https://hooks.fundroom.test/in"},
		{name: "plain http refused", url: "http://hooks.fundroom.test/in", wantErr: true},
		{name: "resolves private", url: "https://internal.fundroom.test/in", wantErr: true},
		{name: "loopback literal", url: "https://127.0.0.1/in", wantErr: true},
		{name: "localhost", url: "https://localhost/in", wantErr: true},
		{name: "unresolvable", url: "https://nowhere.test/in", wantErr: true},
		{name: "bad scheme", url: "ftp://hooks.fundroom.test", wantErr: true},
		{name: "private allowed in development", url: "http://localhost:9000/in", allowPrivate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateWebhookURL(tt.url, tt.allowPrivate, resolve)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
