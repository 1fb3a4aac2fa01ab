package livehttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"estrader/internal/agent"
	"estrader/internal/calendar"
	"estrader/internal/ledger"
	"estrader/internal/logger"
	"estrader/internal/pkg/circuit"
	"estrader/internal/session"
	"estrader/internal/window"

	"github.com/gin-gonic/gin"
)

// SessionController 由编排器与会话存储组合实现。
type SessionController interface {
	Snapshot() session.Snapshot
	LastCycle() (agent.CycleReport, bool)
	Trigger(reason string)
	Breaker() (circuit.State, int)
	Verdict(at time.Time) (window.Verdict, []calendar.UpcomingEvent, error)
}

type LedgerReader interface {
	Recent(ctx context.Context, limit int) ([]ledger.Record, error)
}

// PnLReader 汇总已实现盈亏，可为空。
type PnLReader interface {
	SumRealizedPnL(ctx context.Context, since time.Time) (float64, error)
}

type HolidayWeek interface {
	Week() calendar.HolidayFile
}

type EventWeek interface {
	Week() calendar.EventFile
}

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

// Router 暴露 /api 下的会话接口。
type Router struct {
	session  SessionController
	ledger   LedgerReader
	pnl      PnLReader
	holidays HolidayWeek
	events   EventWeek
	nowFn    func() time.Time
}

func NewRouter(s SessionController, l LedgerReader, p PnLReader, h HolidayWeek, e EventWeek) *Router {
	return &Router{session: s, ledger: l, pnl: p, holidays: h, events: e, nowFn: time.Now}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/session/state", r.handleState)
	group.POST("/session/trigger", r.handleTrigger)
	group.GET("/session/window", r.handleWindow)
	group.GET("/ledger", r.handleLedger)
	group.GET("/calendar", r.handleCalendar)
}

type stateResponse struct {
	Session   session.Snapshot   `json:"session"`
	LastCycle *agent.CycleReport `json:"last_cycle,omitempty"`
	Breaker   string             `json:"breaker"`
	Failures  int                `json:"consecutive_failures"`
	PnLToday  *float64           `json:"realized_pnl_today,omitempty"`
}

func (r *Router) handleState(c *gin.Context) {
	state, failures := r.session.Breaker()
	resp := stateResponse{Session: r.session.Snapshot(), Breaker: state.String(), Failures: failures}
	if last, ok := r.session.LastCycle(); ok {
		resp.LastCycle = &last
	}
	if r.pnl != nil {
		now := r.nowFn()
		y, m, d := now.Date()
		sum, err := r.pnl.SumRealizedPnL(c.Request.Context(), time.Date(y, m, d, 0, 0, 0, 0, now.Location()))
		if err != nil {
			logger.Warnf("[http] 汇总当日盈亏失败: %v", err)
		} else {
			resp.PnLToday = &sum
		}
	}
	c.JSON(http.StatusOK, resp)
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "http " + c.ClientIP()
	}
	r.session.Trigger(reason)
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered", "reason": reason})
}

type windowResponse struct {
	Verdict window.Verdict           `json:"verdict"`
	Events  []calendar.UpcomingEvent `json:"events,omitempty"`
}

// handleWindow 支持 ?at=RFC3339；缺省为当前时间。
func (r *Router) handleWindow(c *gin.Context) {
	at := time.Now()
	if raw := strings.TrimSpace(c.Query("at")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be RFC3339"})
			return
		}
		at = parsed
	}
	v, events, err := r.session.Verdict(at)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, windowResponse{Verdict: v, Events: events})
}

func (r *Router) handleLedger(c *gin.Context) {
	if r.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger store not configured"})
		return
	}
	limit := defaultLedgerLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLedgerLimit)
	}
	recs, err := r.ledger.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

func (r *Router) handleCalendar(c *gin.Context) {
	resp := gin.H{}
	if r.holidays != nil {
		resp["holidays"] = r.holidays.Week()
	}
	if r.events != nil {
		resp["events"] = r.events.Week()
	}
	c.JSON(http.StatusOK, resp)
}
