package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into an INTERNAL error response. When the
// response was already started (a hijacked websocket, a live SSE stream)
// the request is only aborted.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			log.Error("panic recovered",
				zap.Any("panic", r),
				zap.String("trace_id", GetTraceID(c)),
				zap.String("path", c.Request.URL.Path),
				zap.Int64("user_id", GetUserID(c)),
				zap.ByteString("stack", debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			apperr.Write(c, nil, apperr.Internal(fmt.Errorf("panic: %v", r)))
		}()
		c.Next()
	}
}
