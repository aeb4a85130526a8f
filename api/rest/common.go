package rest

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/audit"
	mw "github.com/moonpointer/xschat/middleware"
	"go.uber.org/zap"
)

// bindJSON decodes the body into req and reports a 400 on failure.
func bindJSON(c *gin.Context, logger *zap.Logger, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		apperr.Write(c, logger, apperr.BadRequest(err.Error()))
		return false
	}
	return true
}

// int64Param parses a positive integer path or query value.
func int64Param(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.BadRequest("invalid id")
	}
	return id, nil
}

func intQuery(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil {
		return v
	}
	return def
}

// auditor fills the request-scoped fields of audit entries.
type auditor struct {
	svc *audit.Service
}

func (a auditor) log(c *gin.Context, start time.Time, e audit.Entry) {
	if a.svc == nil {
		return
	}
	e.TraceID = mw.GetTraceID(c)
	e.IP = c.ClientIP()
	e.Duration = time.Since(start)
	if e.ActorID == 0 {
		e.ActorID = mw.GetUserID(c)
	}
	a.svc.Log(e)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
