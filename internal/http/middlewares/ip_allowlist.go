package middlewares

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// IPAllowlist rejects requests from addresses outside the configured set.
// An empty allowlist only admits loopback. Entries may be plain IPs or
// CIDR blocks.

func IPAllowlist(allowed []string) gin.HandlerFunc {
	var nets []*net.IPNet
	var ips []net.IP

	for _, a := range allowed {
		if _, n, err := net.ParseCIDR(a); err == nil {
			nets = append(nets, n)
			continue
		}
		if ip := net.ParseIP(a); ip != nil {
			ips = append(ips, ip)
		}
	}

	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)

		if err != nil {
			host = c.Request.RemoteAddr
		}

		ip := net.ParseIP(host)

		if ip != nil && ipAllowed(ip, ips, nets) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": gin.H{
				"code":    "forbidden",
				"message": "address not allowed",
			},
		})
	}
}

func ipAllowed(ip net.IP, ips []net.IP, nets []*net.IPNet) bool {
	if ip.IsLoopback() {
		return true
	}

	for _, a := range ips {
		if a.Equal(ip) {
			return true
		}
	}

	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}

	return false
}
