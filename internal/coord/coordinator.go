// Package coord implements the shared operational-memory coordinator:
// agents create, claim, complete, block and reassign units of work
// against a transactional backend, protected by a circuit breaker, rate
// limiter and bounded fallback store.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dnanh/opsmem/internal/access"
	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/fallback"
	"github.com/dnanh/opsmem/internal/guard/breaker"
	"github.com/dnanh/opsmem/internal/guard/ratelimit"
	"github.com/dnanh/opsmem/internal/health"
	"github.com/dnanh/opsmem/internal/infra/storage"
	"github.com/dnanh/opsmem/internal/metrics"
	"github.com/dnanh/opsmem/internal/notify"
)

// Operation names used for rate limiting.
const (
	OpCreateTask       = "create_task"
	OpClaimTask        = "claim_task"
	OpCompleteTask     = "complete_task"
	OpBlockTask        = "block_task"
	OpReassignTask     = "reassign_task"
	OpGetNotifications = "get_notifications"
	OpStoreContent     = "store_content"
	OpQueryContent     = "query_content"
)

// Config holds coordinator tuning parameters.
type Config struct {
	// BackendTimeout bounds every backend call.
	BackendTimeout time.Duration `yaml:"backend_timeout"`
	// SessionSlots caps concurrent backend sessions: the fixed number of
	// caller agents plus headroom for bursts and maintenance.
	SessionSlots int64 `yaml:"session_slots"`
	// MaintenanceSlots caps concurrent background maintenance work so it
	// cannot starve foreground operations of pool connections.
	MaintenanceSlots int64 `yaml:"maintenance_slots"`
	// QueryLimit caps related-content query results.
	QueryLimit int `yaml:"query_limit"`

	Retry RetryConfig `yaml:"retry"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BackendTimeout:   5 * time.Second,
		SessionSlots:     16,
		MaintenanceSlots: 4,
		QueryLimit:       20,
		Retry:            DefaultRetryConfig,
	}
}

// Coordinator is the operational-memory coordination layer. All mutable
// guard state (breaker, limiter, fallback) is injected per instance;
// multiple coordinator instances share nothing but the backend.
type Coordinator struct {
	backend    storage.Backend
	brk        *breaker.Breaker
	limiter    *ratelimit.Limiter
	fb         *fallback.Store
	monitor    *fallback.Monitor
	notifier   *notify.Service
	classifier *access.Classifier

	sanitizer Sanitizer
	embedder  Embedder
	deliverer Deliverer

	sessions *semaphore.Weighted
	maint    *semaphore.Weighted

	mu    sync.Mutex
	inUse int64

	redisPing func(ctx context.Context) error
	cfg       Config
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithSanitizer sets the external content sanitizer.
func WithSanitizer(s Sanitizer) Option { return func(c *Coordinator) { c.sanitizer = s } }

// WithEmbedder sets the external embedding generator.
func WithEmbedder(e Embedder) Option { return func(c *Coordinator) { c.embedder = e } }

// WithDeliverer sets the out-of-band delivery channel.
func WithDeliverer(d Deliverer) Option { return func(c *Coordinator) { c.deliverer = d } }

// WithRedisPing sets the reachability probe reported under redis_ok.
func WithRedisPing(ping func(ctx context.Context) error) Option {
	return func(c *Coordinator) { c.redisPing = ping }
}

func New(
	backend storage.Backend,
	brk *breaker.Breaker,
	limiter *ratelimit.Limiter,
	fb *fallback.Store,
	monitor *fallback.Monitor,
	notifier *notify.Service,
	classifier *access.Classifier,
	cfg Config,
	opts ...Option,
) *Coordinator {
	def := DefaultConfig()
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = def.BackendTimeout
	}
	if cfg.SessionSlots <= 0 {
		cfg.SessionSlots = def.SessionSlots
	}
	if cfg.MaintenanceSlots <= 0 {
		cfg.MaintenanceSlots = def.MaintenanceSlots
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = def.QueryLimit
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if cfg.Retry.BackoffMultiple <= 0 {
		cfg.Retry.BackoffMultiple = DefaultRetryConfig.BackoffMultiple
	}

	c := &Coordinator{
		backend:    backend,
		brk:        brk,
		limiter:    limiter,
		fb:         fb,
		monitor:    monitor,
		notifier:   notifier,
		classifier: classifier,
		sessions:   semaphore.NewWeighted(cfg.SessionSlots),
		maint:      semaphore.NewWeighted(cfg.MaintenanceSlots),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// withSession runs fn against the backend under a session slot, a
// per-call timeout and the circuit breaker. Slot waiters are served FIFO.
// Only infrastructure failures count against the breaker; caller faults
// (lost races, not-found, validation) pass through without tripping it.
func (c *Coordinator) withSession(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.sessions.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sessions.Release(1)
	c.trackSession(1)
	defer c.trackSession(-1)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BackendTimeout)
	defer cancel()

	var callErr error
	err := c.brk.Call(callCtx, func(ctx context.Context) error {
		callErr = fn(ctx)
		if infraFailure(callErr) {
			return callErr
		}
		return nil
	})
	if err != nil {
		return err
	}
	return callErr
}

func (c *Coordinator) trackSession(delta int64) {
	c.mu.Lock()
	c.inUse += delta
	metrics.BackendSessionsInUse.Set(float64(c.inUse))
	c.mu.Unlock()
}

// infraFailure reports whether an error means the backend is unreachable
// rather than the caller being wrong.
func infraFailure(err error) bool {
	return errors.Is(err, domain.ErrDatabase) ||
		errors.Is(err, domain.ErrBreakerOpen) ||
		errors.Is(err, context.DeadlineExceeded)
}

// -----------------------------------------------------------------------------
// Task operations
// -----------------------------------------------------------------------------

// CreateTask validates both agents and the task type, sanitizes the
// description and persists the task plus its delegation edge. During a
// backend outage the write is diverted to the fallback store and the
// task is still returned to the caller.
func (c *Coordinator) CreateTask(ctx context.Context, taskType domain.TaskType, description, delegatedBy, assignedTo string) (*domain.Task, error) {
	if err := c.limiter.Allow(ctx, delegatedBy, OpCreateTask); err != nil {
		metrics.RateLimitRejections.WithLabelValues(delegatedBy, OpCreateTask).Inc()
		return nil, err
	}

	if !taskType.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", domain.ErrValidation, taskType)
	}
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: empty description", domain.ErrValidation)
	}
	if delegatedBy == "" || assignedTo == "" {
		return nil, fmt.Errorf("%w: both agent ids are required", domain.ErrValidation)
	}

	// Agent existence checks are skipped in fallback mode; there is no
	// backend to ask and the resync will surface unknown agents.
	if !c.monitor.Active() {
		for _, id := range []string{delegatedBy, assignedTo} {
			err := c.withSession(ctx, func(ctx context.Context) error {
				_, err := c.backend.Agents().Get(ctx, id)
				return err
			})
			if errors.Is(err, domain.ErrAgentNotFound) {
				return nil, fmt.Errorf("%w: unknown agent %q", domain.ErrValidation, id)
			}
			if err != nil && !infraFailure(err) {
				return nil, err
			}
		}
	}

	task := &domain.Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Description: c.sanitize(ctx, description),
		Status:      domain.TaskStatusPending,
		AssignedTo:  assignedTo,
		DelegatedBy: delegatedBy,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	err := c.withSession(ctx, func(ctx context.Context) error {
		return c.backend.Tasks().Create(ctx, task)
	})
	if err != nil {
		if infraFailure(err) {
			c.divert(domain.FallbackTasks, task.ID, task, false)
			metrics.TasksCreated.WithLabelValues(string(taskType)).Inc()
			return task, nil
		}
		return nil, err
	}

	metrics.TasksCreated.WithLabelValues(string(taskType)).Inc()
	return task, nil
}

// ClaimTask atomically claims the oldest pending task assigned to the
// agent. Returns (nil, nil) when no pending task exists — an expected,
// frequent outcome, not an error. Losing the race to a concurrent
// claimer returns domain.ErrRaceCondition, which is retryable.
func (c *Coordinator) ClaimTask(ctx context.Context, agentID string) (*domain.Task, error) {
	if err := c.limiter.Allow(ctx, agentID, OpClaimTask); err != nil {
		metrics.RateLimitRejections.WithLabelValues(agentID, OpClaimTask).Inc()
		return nil, err
	}

	attemptID := uuid.NewString()
	var task *domain.Task
	err := c.withSession(ctx, func(ctx context.Context) error {
		var err error
		task, err = c.backend.Tasks().ClaimOldestPending(ctx, agentID, attemptID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrRaceCondition) {
			metrics.ClaimRaces.Inc()
		}
		return nil, err
	}
	if task != nil {
		metrics.TasksClaimed.WithLabelValues(agentID).Inc()
	}
	return task, nil
}

// ClaimTaskWithRetry wraps ClaimTask in the bounded-backoff retry
// combinator, the contract expected of well-behaved callers under
// contention. Each attempt uses a fresh claim token.
func (c *Coordinator) ClaimTaskWithRetry(ctx context.Context, agentID string) (*domain.Task, error) {
	return Retry(ctx, c.cfg.Retry, func(ctx context.Context) (*domain.Task, error) {
		return c.ClaimTask(ctx, agentID)
	})
}

// CompleteTask moves an in_progress task to completed, writing
// whitelisted result fields into typed slots and the remainder into the
// capped extras map. "Already completed" is not an error: it returns
// ok=false with a reason.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID string, results domain.TaskResults) (bool, string, error) {
	var task *domain.Task
	err := c.withSession(ctx, func(ctx context.Context) error {
		var err error
		task, err = c.backend.Tasks().Get(ctx, taskID)
		return err
	})
	if err != nil {
		return false, "", err
	}

	if err := c.limiter.Allow(ctx, task.ClaimedBy, OpCompleteTask); err != nil {
		metrics.RateLimitRejections.WithLabelValues(task.ClaimedBy, OpCompleteTask).Inc()
		return false, "", err
	}

	summary, artifact, score, extras := splitResults(results)

	var ok bool
	err = c.withSession(ctx, func(ctx context.Context) error {
		var err error
		ok, err = c.backend.Tasks().CompleteResults(ctx, taskID, summary, artifact, score, extras)
		return err
	})
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, fmt.Sprintf("task %s is not in progress", taskID), nil
	}

	metrics.TasksCompleted.Inc()
	c.sendNotification(ctx, &domain.Notification{
		Type:      domain.NotificationTaskCompleted,
		TaskID:    taskID,
		FromAgent: task.ClaimedBy,
		ToAgent:   task.DelegatedBy,
		Summary:   summary,
	})
	return true, "", nil
}

// BlockTask marks a task blocked and escalates to the delegating agent.
func (c *Coordinator) BlockTask(ctx context.Context, taskID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: blocked reason is required", domain.ErrValidation)
	}

	var task *domain.Task
	err := c.withSession(ctx, func(ctx context.Context) error {
		var err error
		task, err = c.backend.Tasks().Get(ctx, taskID)
		return err
	})
	if err != nil {
		return err
	}

	err = c.withSession(ctx, func(ctx context.Context) error {
		return c.backend.Tasks().Block(ctx, taskID, reason, time.Now())
	})
	if err != nil {
		return err
	}

	metrics.TasksBlocked.Inc()
	c.sendNotification(ctx, &domain.Notification{
		Type:      domain.NotificationEscalation,
		TaskID:    taskID,
		FromAgent: task.ClaimedBy,
		ToAgent:   task.DelegatedBy,
		Summary:   fmt.Sprintf("task blocked: %s", reason),
	})
	return nil
}

// ReassignBlockedTask swaps the assignment on a blocked task and resets
// it to pending, incrementing the escalation count. Fails with
// domain.ErrTaskNotBlocked when the task is in any other state.
func (c *Coordinator) ReassignBlockedTask(ctx context.Context, taskID, newAgentID string) error {
	err := c.withSession(ctx, func(ctx context.Context) error {
		_, err := c.backend.Agents().Get(ctx, newAgentID)
		return err
	})
	if errors.Is(err, domain.ErrAgentNotFound) {
		return fmt.Errorf("%w: unknown agent %q", domain.ErrValidation, newAgentID)
	}
	if err != nil {
		return err
	}

	return c.withSession(ctx, func(ctx context.Context) error {
		return c.backend.Tasks().Reassign(ctx, taskID, newAgentID)
	})
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// CreateNotification persists a delivery record and pushes a best-effort
// out-of-band copy.
func (c *Coordinator) CreateNotification(ctx context.Context, n *domain.Notification) error {
	c.sendNotification(ctx, n)
	return nil
}

// GetPendingNotifications returns unread notifications for the agent,
// flipping them to read in the same operation.
func (c *Coordinator) GetPendingNotifications(ctx context.Context, agentID string) ([]*domain.Notification, error) {
	if err := c.limiter.Allow(ctx, agentID, OpGetNotifications); err != nil {
		metrics.RateLimitRejections.WithLabelValues(agentID, OpGetNotifications).Inc()
		return nil, err
	}
	var result []*domain.Notification
	err := c.withSession(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.notifier.GetPending(ctx, agentID)
		return err
	})
	return result, err
}

func (c *Coordinator) sendNotification(ctx context.Context, n *domain.Notification) {
	if err := c.notifier.Create(ctx, n); err != nil {
		slog.Error("notification create failed", "task", n.TaskID, "error", err)
	}
	if c.deliverer != nil {
		if err := c.deliverer.Deliver(ctx, n); err != nil {
			slog.Debug("out-of-band delivery failed", "task", n.TaskID, "error", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Classified content
// -----------------------------------------------------------------------------

// StoreClassifiedContent classifies content and persists it under its
// access tier. PRIVATE content short-circuits before any write: stored=
// false, no record, no error.
func (c *Coordinator) StoreClassifiedContent(ctx context.Context, content string, sender access.SenderContext) (*domain.ClassifiedContent, bool, error) {
	if err := c.limiter.Allow(ctx, sender.Sender, OpStoreContent); err != nil {
		metrics.RateLimitRejections.WithLabelValues(sender.Sender, OpStoreContent).Inc()
		return nil, false, err
	}

	res := c.classifier.Classify(content, sender)
	if res.Tier == domain.TierPrivate {
		metrics.ContentBlocked.Inc()
		slog.Info("private content blocked from shared storage")
		return nil, false, nil
	}

	rec := &domain.ClassifiedContent{
		ID:        uuid.NewString(),
		Tier:      res.Tier,
		SenderKey: res.SenderKey,
		Body:      c.sanitize(ctx, content),
		CreatedAt: time.Now(),
	}
	if c.embedder != nil {
		if vec, err := c.embedder.Embed(ctx, rec.Body); err == nil {
			rec.Embedding = vec
		}
	}

	err := c.withSession(ctx, func(ctx context.Context) error {
		return c.backend.Contents().Insert(ctx, rec)
	})
	if err != nil {
		if infraFailure(err) {
			c.divert(domain.FallbackResearch, rec.ID, rec, false)
			return rec, true, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

// QueryRelatedContent finds content similar to the query, restricted to
// what the sender may see. With an embedding available results are ranked
// by cosine similarity; otherwise full-text search is the fallback.
func (c *Coordinator) QueryRelatedContent(ctx context.Context, query string, sender access.SenderContext) ([]*domain.ClassifiedContent, error) {
	if err := c.limiter.Allow(ctx, sender.Sender, OpQueryContent); err != nil {
		metrics.RateLimitRejections.WithLabelValues(sender.Sender, OpQueryContent).Inc()
		return nil, err
	}

	senderKey := ""
	if sender.Sender != "" {
		senderKey = access.SenderKey(sender.Sender)
	}

	var queryVec []float64
	if c.embedder != nil {
		if vec, err := c.embedder.Embed(ctx, query); err == nil {
			queryVec = vec
		}
	}

	var result []*domain.ClassifiedContent
	err := c.withSession(ctx, func(ctx context.Context) error {
		var err error
		if len(queryVec) > 0 {
			var candidates []*domain.ClassifiedContent
			candidates, err = c.backend.Contents().RecentWithEmbeddings(ctx, senderKey, c.cfg.QueryLimit*5)
			if err == nil {
				result = rankBySimilarity(queryVec, candidates, c.cfg.QueryLimit)
			}
			return err
		}
		result, err = c.backend.Contents().SearchText(ctx, query, senderKey, c.cfg.QueryLimit)
		return err
	})
	return result, err
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// Health reports coordinator health for external monitoring.
func (c *Coordinator) Health(ctx context.Context) health.Report {
	report := health.Report{
		BreakerState:    string(c.brk.State()),
		FallbackMode:    c.monitor.Active(),
		FallbackHeld:    c.fb.Total(),
		SessionCapacity: c.cfg.SessionSlots,
		RateCounters:    c.limiter.Snapshot(),
	}

	c.mu.Lock()
	report.SessionsInUse = c.inUse
	c.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	report.BackendOK = c.backend.Ping(pingCtx) == nil
	if c.redisPing != nil {
		report.RedisOK = c.redisPing(pingCtx) == nil
	} else {
		report.RedisOK = true
	}

	if report.BackendOK {
		if n, err := c.backend.Tasks().CountByStatus(ctx, domain.TaskStatusPending); err == nil {
			report.PendingTasks = n
		}
	}
	if depth, err := c.notifier.QueueDepth(ctx); err == nil {
		report.DLQDepth = depth
	}

	switch {
	case !report.BackendOK && !report.FallbackMode:
		report.Status = health.StatusCritical
	case report.FallbackMode || c.brk.State() != breaker.StateClosed || !report.RedisOK:
		report.Status = health.StatusDegraded
	default:
		report.Status = health.StatusHealthy
	}
	return report
}

// -----------------------------------------------------------------------------
// Fallback plumbing
// -----------------------------------------------------------------------------

func (c *Coordinator) divert(cat domain.FallbackCategory, key string, payload any, final bool) {
	c.monitor.Activate()
	c.fb.Put(&domain.FallbackRecord{
		Category: cat,
		Key:      key,
		Payload:  payload,
		Final:    final,
	})
	slog.Warn("write diverted to fallback store", "category", cat, "key", key)
}

// ResyncRecord replays one fallback record against the backend. Wired
// into the recovery monitor.
func (c *Coordinator) ResyncRecord(ctx context.Context, rec *domain.FallbackRecord) error {
	switch payload := rec.Payload.(type) {
	case *domain.Task:
		return c.backend.Tasks().Create(ctx, payload)
	case *domain.ClassifiedContent:
		return c.backend.Contents().Insert(ctx, payload)
	case *domain.Notification:
		return c.backend.Notifications().Create(ctx, payload)
	default:
		return fmt.Errorf("%w: unknown fallback payload for key %s", domain.ErrValidation, rec.Key)
	}
}

// WithMaintenance runs background work under the maintenance semaphore
// so it cannot exhaust the connection pool under the feet of foreground
// operations. Waiters queue FIFO.
func (c *Coordinator) WithMaintenance(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.maint.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.maint.Release(1)
	return fn(ctx)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (c *Coordinator) sanitize(ctx context.Context, text string) string {
	if c.sanitizer != nil {
		if clean, ok := c.sanitizer.Sanitize(ctx, text); ok {
			return clean
		}
	}
	return redact(text)
}

// splitResults routes whitelisted keys into typed slots and everything
// else into the extras map, capped at domain.MaxResultExtras. Overflow
// keys are dropped deterministically (sorted order).
func splitResults(results domain.TaskResults) (summary, artifact string, score float64, extras map[string]string) {
	rest := make([]string, 0, len(results))
	for k := range results {
		switch k {
		case domain.ResultKeySummary, domain.ResultKeyArtifact, domain.ResultKeyQualityScore:
		default:
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)

	summary = results[domain.ResultKeySummary]
	artifact = results[domain.ResultKeyArtifact]
	if raw, ok := results[domain.ResultKeyQualityScore]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			score = v
		}
	}

	if len(rest) == 0 {
		return summary, artifact, score, nil
	}
	if len(rest) > domain.MaxResultExtras {
		slog.Warn("task result extras over cap, dropping overflow",
			"kept", domain.MaxResultExtras, "dropped", len(rest)-domain.MaxResultExtras)
		rest = rest[:domain.MaxResultExtras]
	}
	extras = make(map[string]string, len(rest))
	for _, k := range rest {
		extras[k] = results[k]
	}
	return summary, artifact, score, extras
}

func rankBySimilarity(query []float64, candidates []*domain.ClassifiedContent, limit int) []*domain.ClassifiedContent {
	type scored struct {
		c   *domain.ClassifiedContent
		sim float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, cand := range candidates {
		ranked = append(ranked, scored{c: cand, sim: cosine(query, cand.Embedding)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	if limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]*domain.ClassifiedContent, limit)
	for i := 0; i < limit; i++ {
		out[i] = ranked[i].c
	}
	return out
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
