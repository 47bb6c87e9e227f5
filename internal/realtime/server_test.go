package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/models"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", []string{"https://app.example.com"}, "", "api.example.com", true},
		{"same host default", nil, "http://localhost:8080", "localhost:8080", true},
		{"cross host default", nil, "http://evil.test", "localhost:8080", false},
		{"exact match", []string{"https://app.example.com"}, "https://app.example.com", "api.example.com", true},
		{"wildcard all", []string{"*"}, "http://anything.test", "api.example.com", true},
		{"subdomain wildcard", []string{"*.example.com"}, "https://help.example.com", "api.example.com", true},
		{"subdomain wildcard miss", []string{"*.example.com"}, "https://example.org", "api.example.com", false},
		{"not listed", []string{"https://app.example.com"}, "https://other.example.com", "api.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/chat/", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(tt.allowed)(r))
		})
	}
}

type stubVerifier struct {
	id    models.Identity
	err   error
	panic bool
}

func (s stubVerifier) Verify(context.Context, string) (models.Identity, error) {
	if s.panic {
		panic("boom")
	}
	return s.id, s.err
}

func TestAuthenticateDegradesToAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ana := models.Identity{UserID: 1, Username: "ana", Role: models.RoleUser, Authenticated: true}

	tests := []struct {
		name     string
		verifier stubVerifier
		query    string
		want     models.Identity
	}{
		{"valid token", stubVerifier{id: ana}, "?token=abc", ana},
		{"no token", stubVerifier{id: ana}, "", models.Anonymous},
		{"rejected token", stubVerifier{err: errors.New("expired")}, "?token=abc", models.Anonymous},
		{"verifier panics", stubVerifier{panic: true}, "?token=abc", models.Anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.Identity
			r := gin.New()
			r.GET("/ws", Authenticate(tt.verifier, zaptest.NewLogger(t)), func(c *gin.Context) {
				got = IdentityFrom(c)
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeChat(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    inboundChat
		wantErr bool
	}{
		{"typed", `{"conversacionId":7,"mensaje":"hola","esAgente":true}`, inboundChat{ConversationID: 7, Text: "hola", IsAgent: true}, false},
		{"string id", `{"conversacionId":"7","mensaje":"hola"}`, inboundChat{ConversationID: 7, Text: "hola"}, false},
		{"bad id", `{"conversacionId":"siete","mensaje":"hola"}`, inboundChat{Text: "hola"}, false},
		{"fractional id", `{"conversacionId":7.5,"mensaje":"hola"}`, inboundChat{Text: "hola"}, false},
		{"null id", `{"conversacionId":null,"mensaje":"hola"}`, inboundChat{Text: "hola"}, false},
		{"non-bool esAgente", `{"mensaje":"hola","esAgente":1}`, inboundChat{Text: "hola"}, false},
		{"mensaje not a string", `{"mensaje":5}`, inboundChat{}, true},
		{"not json", `hola`, inboundChat{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeChat([]byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
