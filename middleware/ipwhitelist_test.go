package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func whitelistStatus(entries []string, ip string) (int, []byte) {
	r := gin.New()
	r.Use(IPWhitelist(entries))
	r.GET("/api/admin/users", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.RemoteAddr = "203.0.113.50:4711"
	if ip != "" {
		req.Header.Set("X-Real-IP", ip)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

func TestIPWhitelist(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		ip      string
		want    int
	}{
		{"empty list lets everyone in", nil, "", http.StatusOK},
		{"only garbage entries count as empty", []string{"nope"}, "1.2.3.4", http.StatusOK},
		{"exact match", []string{"192.168.1.1"}, "192.168.1.1", http.StatusOK},
		{"second of several", []string{"10.0.0.1", "10.0.0.2"}, "10.0.0.2", http.StatusOK},
		{"not listed", []string{"10.0.0.1", "10.0.0.2"}, "10.0.0.3", http.StatusForbidden},
		{"inside cidr", []string{"10.8.0.0/16", "not-an-ip"}, "10.8.3.7", http.StatusOK},
		{"outside cidr", []string{"10.8.0.0/16"}, "10.9.0.1", http.StatusForbidden},
		{"remote addr fallback", []string{"203.0.113.0/24"}, "", http.StatusOK},
		{"ipv6 normalised", []string{"::1"}, "0:0:0:0:0:0:0:1", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := whitelistStatus(tc.entries, tc.ip)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestIPWhitelist_BodyCarriesCode(t *testing.T) {
	code, body := whitelistStatus([]string{"10.0.0.1"}, "1.2.3.4")
	require.Equal(t, http.StatusForbidden, code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, apperr.CodeForbidden, out["code"])
}
