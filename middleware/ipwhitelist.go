package middleware

import (
	"net"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
)

// IPWhitelist returns a middleware that only allows requests from the given
// IPs or CIDR ranges. If the list is empty, all IPs are allowed. Entries
// that parse as neither are ignored.
func IPWhitelist(entries []string) gin.HandlerFunc {
	exact := make(map[string]bool, len(entries))
	var nets []*net.IPNet
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			nets = append(nets, n)
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			exact[ip.String()] = true
		}
	}
	open := len(exact) == 0 && len(nets) == 0

	return func(c *gin.Context) {
		if open {
			c.Next()
			return
		}
		ip := net.ParseIP(c.ClientIP())
		if ip != nil {
			if exact[ip.String()] {
				c.Next()
				return
			}
			for _, n := range nets {
				if n.Contains(ip) {
					c.Next()
					return
				}
			}
		}
		apperr.Write(c, nil, apperr.Forbidden("access denied"))
	}
}
