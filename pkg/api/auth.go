package api

import "github.com/gin-gonic/gin"

// extractUser extracts the caller identity from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy). Empty means unauthenticated.
func extractUser(c *gin.Context) string {
	if user := c.GetHeader("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.GetHeader("X-Forwarded-Email"); email != "" {
		return email
	}
	return c.GetHeader("X-Remote-User")
}
