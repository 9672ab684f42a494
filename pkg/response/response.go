package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the unified error envelope. Sensitive internals (secrets,
// raw tokens, stack traces) must never end up in Details.
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// StandardResponse is the envelope for non-proxied success replies
// (health, metrics, admin surfaces).
type StandardResponse struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func ReplySuccess(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, StandardResponse{Code: 0, Msg: msg})
}

func ReplySuccessWithData(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{Code: 0, Msg: msg, Data: data})
}

// ReplyError sends an error envelope with the given status.
func ReplyError(c *gin.Context, status int, kind, details string) {
	c.JSON(status, ErrorBody{Error: kind, Details: details})
}

func ReplyUnauthorized(c *gin.Context, details string) {
	ReplyError(c, http.StatusUnauthorized, "authentication failed", details)
}

func ReplyForbidden(c *gin.Context, details string) {
	ReplyError(c, http.StatusForbidden, "authorization failed", details)
}

func ReplyNotFound(c *gin.Context, details string) {
	ReplyError(c, http.StatusNotFound, "unknown route", details)
}

func ReplyTooManyRequests(c *gin.Context, details string) {
	ReplyError(c, http.StatusTooManyRequests, "rate limit exceeded", details)
}

func ReplyBadGateway(c *gin.Context, details string) {
	ReplyError(c, http.StatusBadGateway, "upstream error", details)
}

func ReplyServiceUnavailable(c *gin.Context, details string) {
	ReplyError(c, http.StatusServiceUnavailable, "service unavailable", details)
}

func ReplyGatewayTimeout(c *gin.Context, details string) {
	ReplyError(c, http.StatusGatewayTimeout, "upstream timeout", details)
}

func ReplyError500(c *gin.Context, details string) {
	ReplyError(c, http.StatusInternalServerError, "internal error", details)
}
