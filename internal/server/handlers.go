package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ngenohkevin/schedules-runner/internal/cache"
	"github.com/ngenohkevin/schedules-runner/internal/dispatch"
	"github.com/ngenohkevin/schedules-runner/internal/journal"
	"github.com/ngenohkevin/schedules-runner/internal/process"
	"github.com/ngenohkevin/schedules-runner/internal/system"
)

// LifecycleSource lists tracked lifecycles
type LifecycleSource interface {
	List() []dispatch.Lifecycle
	Get(dispatchID string) (dispatch.Lifecycle, bool)
	ByExec(execID string) []dispatch.Lifecycle
	InFlight() int
}

// JournalSource reads recorded transitions
type JournalSource interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// ProcessInspector reads live stats of a spawned script
type ProcessInspector interface {
	Stats(pid int) (*process.Stats, error)
}

// HostCollector gathers the host summary
type HostCollector interface {
	Info() (*system.Info, error)
}

// Sources are the read models behind the API. Journal and Events may be nil.
type Sources struct {
	Lifecycles LifecycleSource
	Journal    JournalSource
	Processes  ProcessInspector
	Host       HostCollector
	Events     *Hub
}

// ExecView is a lifecycle with live process stats while it runs
type ExecView struct {
	dispatch.Lifecycle
	Process *process.Stats `json:"process,omitempty"`
}

// Handlers holds all HTTP handlers
type Handlers struct {
	src       Sources
	auth      *Authenticator
	tokenTTL  time.Duration
	version   string
	startedAt time.Time
	hostCache *cache.Cache[*system.Info]
}

// NewHandlers creates a new handlers instance
func NewHandlers(src Sources, auth *Authenticator, tokenTTL time.Duration, version string) *Handlers {
	return &Handlers{
		src:       src,
		auth:      auth,
		tokenTTL:  tokenTTL,
		version:   version,
		startedAt: time.Now(),
		// Host info cached for 2 seconds
		hostCache: cache.New[*system.Info](2 * time.Second),
	}
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
	})
}

// GetInfo handles GET /api/info
func (h *Handlers) GetInfo(c *gin.Context) {
	info, err := h.hostCache.GetOrSet("host", h.src.Host.Info)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent":     Issuer,
		"version":   h.version,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"in_flight": h.src.Lifecycles.InFlight(),
		"host":      info,
	})
}

// ListExecs handles GET /api/execs
func (h *Handlers) ListExecs(c *gin.Context) {
	list := h.src.Lifecycles.List()
	c.JSON(http.StatusOK, gin.H{
		"execs":     list,
		"total":     len(list),
		"in_flight": h.src.Lifecycles.InFlight(),
	})
}

// GetExec handles GET /api/execs/:id. The id is a dispatch id or an
// execution id; for the latter the most recent dispatch is returned.
func (h *Handlers) GetExec(c *gin.Context) {
	id := c.Param("id")

	lc, ok := h.src.Lifecycles.Get(id)
	if !ok {
		all := h.src.Lifecycles.ByExec(id)
		if len(all) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		lc = all[len(all)-1]
	}

	view := ExecView{Lifecycle: lc}
	if lc.State == dispatch.StateSpawned && lc.PID > 0 && h.src.Processes != nil {
		if stats, err := h.src.Processes.Stats(lc.PID); err == nil {
			view.Process = stats
		}
	}
	c.JSON(http.StatusOK, view)
}

// GetJournal handles GET /api/journal
func (h *Handlers) GetJournal(c *gin.Context) {
	if h.src.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not configured"})
		return
	}

	limit := journal.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := h.src.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// IssueToken handles POST /api/token
func (h *Handlers) IssueToken(c *gin.Context) {
	ttl := h.tokenTTL
	if raw := c.Query("ttl"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > h.tokenTTL {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl must be a positive duration not above " + h.tokenTTL.String()})
			return
		}
		ttl = d
	}

	token, expires, err := h.auth.IssueViewerToken(ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires.UTC()})
}

// StreamEvents handles GET /api/events (SSE lifecycle transitions)
func (h *Handlers) StreamEvents(c *gin.Context) {
	if h.src.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events not available"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	events, unsubscribe := h.src.Events.Subscribe()
	defer unsubscribe()

	// Send headers before the first event
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case lc, ok := <-events:
			if !ok {
				return false
			}
			data, _ := json.Marshal(lc)
			c.SSEvent("lifecycle", string(data))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// Close releases handler resources
func (h *Handlers) Close() {
	h.hostCache.Close()
}
