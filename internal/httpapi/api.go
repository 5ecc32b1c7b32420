// Package httpapi is the operational HTTP surface: schedule state
// read/write, the workflow-events intake, queue inspection, and health.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"triggerd/internal/events"
	"triggerd/internal/recurrence"
	"triggerd/internal/retryq"
	"triggerd/internal/storage"
	logx "triggerd/pkg/logx"
)

// Settings are the live HTTP tunables. RatePerSec <= 0 leaves the
// intake uncapped.
type Settings struct {
	EventToken string
	RatePerSec int
}

type API struct {
	store    storage.Store
	receiver *events.Receiver
	worker   *retryq.Worker
	settings func() Settings
	log      logx.Logger

	limMu   sync.Mutex
	limRate int
	limiter *rate.Limiter
}

func New(store storage.Store, receiver *events.Receiver, worker *retryq.Worker, settings func() Settings, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{
		store:    store,
		receiver: receiver,
		worker:   worker,
		settings: settings,
		log:      log.With(logx.String("component", "httpapi")),
	}
}

func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", a.health)

	v1 := r.Group("/api/v1")
	v1.GET("/schedule-state", a.getScheduleState)
	v1.POST("/schedule-state", a.postScheduleState)

	ev := v1.Group("/workflow-events")
	ev.POST("", a.requireToken, a.rateLimit, a.postEvent)
	ev.GET("/summary", a.getSummary)
	ev.GET("/retry-jobs", a.getRetryJobs)
	ev.POST("/retry-jobs/drain", a.postDrain)

	return r
}

// Serve runs the API until the context is cancelled.
func (a *API) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("http api listening", logx.String("addr", addr))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requireToken enforces the shared secret when one is configured. The
// rejection goes through the receiver so it is audited like every other
// branch.
func (a *API) requireToken(c *gin.Context) {
	token := a.settings().EventToken
	if token == "" {
		return
	}
	got := c.GetHeader("X-Event-Token")
	if got == "" {
		got = c.Query("token")
	}
	if got != token {
		res := a.receiver.RejectAuth(c.Request.Context(), c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, res)
	}
}

// rateLimit is a coarse token bucket over the whole intake endpoint,
// not per client. A non-positive rate disables the cap entirely.
func (a *API) rateLimit(c *gin.Context) {
	perSec := a.settings().RatePerSec
	if perSec <= 0 {
		return
	}

	a.limMu.Lock()
	if a.limiter == nil || a.limRate != perSec {
		a.limRate = perSec
		a.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	lim := a.limiter
	a.limMu.Unlock()

	if !lim.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}

func (a *API) postEvent(c *gin.Context) {
	var req events.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := a.receiver.Handle(c.Request.Context(), req)
	c.JSON(statusFor(res), res)
}

func statusFor(res events.Result) int {
	switch res.Status {
	case events.StatusTriggered, events.StatusDuplicate:
		return http.StatusOK
	case events.StatusQueued:
		return http.StatusAccepted
	}
	switch res.ReasonClass {
	case events.ClassAuth:
		return http.StatusUnauthorized
	case events.ClassValidation:
		return http.StatusBadRequest
	case events.ClassTemplateConflict:
		return http.StatusConflict
	case events.ClassUnsupportedAction:
		return http.StatusUnprocessableEntity
	case events.ClassRunConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// schedulePayload is the public projection of a schedule config. The
// stored anchor day and revision never leave the process.
type schedulePayload struct {
	TemplateID string `json:"template_id"`
	Enabled    bool   `json:"enabled"`
	Kind       string `json:"recurrence_kind"`
	RunDate    string `json:"run_date,omitempty"`
	RunTime    string `json:"run_time,omitempty"`
	Weekday    int    `json:"weekday,omitempty"`
	MonthDay   int    `json:"month_day,omitempty"`
	CronExpr   string `json:"cron_expr,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

func projection(sc storage.ScheduleConfig) schedulePayload {
	return schedulePayload{
		TemplateID: sc.TemplateID,
		Enabled:    sc.Enabled,
		Kind:       string(sc.Rule.Kind),
		RunDate:    sc.Rule.RunDate,
		RunTime:    sc.Rule.RunTime,
		Weekday:    int(sc.Rule.Weekday),
		MonthDay:   sc.Rule.MonthDay,
		CronExpr:   sc.Rule.CronExpr,
		UpdatedAt:  sc.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (a *API) getScheduleState(c *gin.Context) {
	templateID := c.Query("template_id")
	if templateID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "template_id is required"})
		return
	}
	sc, ok, err := a.store.GetScheduleConfig(c.Request.Context(), templateID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no schedule for template " + templateID})
		return
	}
	c.JSON(http.StatusOK, projection(sc))
}

func (a *API) postScheduleState(c *gin.Context) {
	templateID := c.Query("template_id")
	if templateID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "template_id is required"})
		return
	}

	var in schedulePayload
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule := recurrence.Rule{
		Kind:     recurrence.Kind(in.Kind),
		RunDate:  in.RunDate,
		RunTime:  in.RunTime,
		Weekday:  time.Weekday(in.Weekday),
		MonthDay: in.MonthDay,
		CronExpr: in.CronExpr,
	}
	if err := recurrence.Validate(rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	saved, err := a.store.SaveScheduleConfig(c.Request.Context(), storage.ScheduleConfig{
		TemplateID: templateID,
		Enabled:    in.Enabled,
		Rule:       rule,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	a.log.Info("schedule config saved",
		logx.String("template_id", templateID),
		logx.String("kind", in.Kind),
		logx.Bool("enabled", in.Enabled))
	c.JSON(http.StatusOK, projection(saved))
}

type summaryResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByReasonClass map[string]int `json:"by_reason_class"`
	ByReasonCode  map[string]int `json:"by_reason_code"`
	ByRetryAdvice map[string]int `json:"by_retry_advice"`
	Duplicates    int            `json:"duplicates"`
	Recent        []recentEvent  `json:"recent"`
}

type recentEvent struct {
	At          string `json:"at"`
	Status      string `json:"status"`
	TemplateID  string `json:"template_id,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	ReasonClass string `json:"reason_class,omitempty"`
	ReasonCode  string `json:"reason_code,omitempty"`
	RetryAdvice string `json:"retry_advice,omitempty"`
	Duplicate   bool   `json:"duplicate"`
}

func (a *API) getSummary(c *gin.Context) {
	q := storage.AuditQuery{Source: storage.SourceWorkflowEvent, Limit: 1000}
	if period := c.Query("period"); period != "" {
		start, err := time.Parse("2006-01", period)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period must look like 2026-02"})
			return
		}
		q.Since = start
		q.Until = start.AddDate(0, 1, 0)
	}
	recentLimit := 20
	if v := c.Query("recent_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recent_limit must be a non-negative integer"})
			return
		}
		recentLimit = n
	}

	recs, err := a.store.ListAudit(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := summaryResponse{
		ByStatus:      map[string]int{},
		ByReasonClass: map[string]int{},
		ByReasonCode:  map[string]int{},
		ByRetryAdvice: map[string]int{},
		Recent:        []recentEvent{},
	}
	for _, rec := range recs {
		out.Total++
		out.ByStatus[rec.Status]++
		if rec.ReasonClass != "" {
			out.ByReasonClass[rec.ReasonClass]++
		}
		if rec.ReasonCode != "" {
			out.ByReasonCode[rec.ReasonCode]++
		}
		if rec.RetryAdvice != "" {
			out.ByRetryAdvice[rec.RetryAdvice]++
		}
		if rec.Duplicate {
			out.Duplicates++
		}
		if len(out.Recent) < recentLimit {
			out.Recent = append(out.Recent, recentEvent{
				At:          rec.At.UTC().Format(time.RFC3339),
				Status:      rec.Status,
				TemplateID:  rec.TemplateID,
				EventID:     rec.EventID,
				RunID:       rec.RunID,
				ReasonClass: rec.ReasonClass,
				ReasonCode:  rec.ReasonCode,
				RetryAdvice: rec.RetryAdvice,
				Duplicate:   rec.Duplicate,
			})
		}
	}
	c.JSON(http.StatusOK, out)
}

type retryJobView struct {
	JobID       string `json:"job_id"`
	ReasonClass string `json:"reason_class"`
	ReasonCode  string `json:"reason_code,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	NextDueAt   string `json:"next_due_at"`
	Status      string `json:"status"`
	UpdatedAt   string `json:"updated_at"`
}

func (a *API) getRetryJobs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	jobs, err := a.store.ListRetryJobs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]retryJobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, retryJobView{
			JobID:       j.JobID,
			ReasonClass: j.ReasonClass,
			ReasonCode:  j.ReasonCode,
			Attempts:    j.Attempts,
			MaxAttempts: j.MaxAttempts,
			NextDueAt:   j.NextDueAt.UTC().Format(time.RFC3339),
			Status:      j.Status,
			UpdatedAt:   j.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (a *API) postDrain(c *gin.Context) {
	processed, err := a.worker.Drain(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}
