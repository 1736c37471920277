package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dnanh/opsmem/internal/access"
	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/fallback"
	"github.com/dnanh/opsmem/internal/guard/breaker"
	"github.com/dnanh/opsmem/internal/guard/ratelimit"
	"github.com/dnanh/opsmem/internal/health"
	"github.com/dnanh/opsmem/internal/infra/storage/memory"
	"github.com/dnanh/opsmem/internal/notify"
)

type fixture struct {
	coord   *Coordinator
	store   *memory.MemoryStorage
	monitor *fallback.Monitor
}

func newFixture(t *testing.T, limits ratelimit.Config) *fixture {
	t.Helper()

	store := memory.NewMemoryStorage()
	ctx := context.Background()
	for _, id := range []string{"lead", "worker", "worker-2"} {
		if err := store.Agents().Save(ctx, &domain.Agent{ID: id, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("seed agent %s: %v", id, err)
		}
	}

	brk := breaker.New(breaker.Config{FailureThreshold: 100, RecoveryTimeout: time.Second})
	limiter := ratelimit.New(ratelimit.NewMemoryCounterStore(), limits)
	fb := fallback.NewStore(nil)
	notifier := notify.NewService(store.Notifications(), notify.NewMemoryDeadLetter(0), notify.Config{})

	var c *Coordinator
	monitor := fallback.NewMonitor(fb, store.Ping, func(ctx context.Context, rec *domain.FallbackRecord) error {
		return c.ResyncRecord(ctx, rec)
	}, time.Hour)

	c = New(store, brk, limiter, fb, monitor, notifier, access.NewClassifier(), Config{
		BackendTimeout: 2 * time.Second,
		SessionSlots:   8,
	})

	return &fixture{coord: c, store: store, monitor: monitor}
}

func defaultLimits() ratelimit.Config {
	return ratelimit.Config{HourlyLimit: 100000, BurstLimit: 100000, BurstWindow: time.Minute}
}

func mustCreateTask(t *testing.T, f *fixture, taskType domain.TaskType, assignedTo string) *domain.Task {
	t.Helper()
	task, err := f.coord.CreateTask(context.Background(), taskType, "investigate flaky deploys", "lead", assignedTo)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	tests := []struct {
		name        string
		taskType    domain.TaskType
		description string
		delegatedBy string
		assignedTo  string
	}{
		{"unknown task type", "deploy", "do it", "lead", "worker"},
		{"empty description", domain.TaskTypeResearch, "   ", "lead", "worker"},
		{"missing delegator", domain.TaskTypeResearch, "do it", "", "worker"},
		{"unknown assignee", domain.TaskTypeResearch, "do it", "lead", "ghost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.CreateTask(ctx, tt.taskType, tt.description, tt.delegatedBy, tt.assignedTo)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestClaimTask_EmptyQueueIsNotAnError(t *testing.T) {
	f := newFixture(t, defaultLimits())

	task, err := f.coord.ClaimTask(context.Background(), "worker")
	if err != nil {
		t.Fatalf("Expected no error on empty queue, got %v", err)
	}
	if task != nil {
		t.Fatalf("Expected nil task on empty queue, got %+v", task)
	}
}

func TestClaimTask_OldestFirst(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	first := mustCreateTask(t, f, domain.TaskTypeResearch, "worker")
	time.Sleep(2 * time.Millisecond)
	mustCreateTask(t, f, domain.TaskTypeSummary, "worker")

	claimed, err := f.coord.ClaimTask(ctx, "worker")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Errorf("Expected oldest task %s claimed first, got %+v", first.ID, claimed)
	}
	if claimed.Status != domain.TaskStatusInProgress {
		t.Errorf("Expected status in_progress, got %s", claimed.Status)
	}
	if claimed.ClaimedBy != "worker" {
		t.Errorf("Expected claimed_by worker, got %s", claimed.ClaimedBy)
	}
	if claimed.ClaimAttemptID == "" {
		t.Error("Expected claim attempt id stamped")
	}
}

func TestClaimTask_CrossAgentIsolation(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	mustCreateTask(t, f, domain.TaskTypeResearch, "worker")

	task, err := f.coord.ClaimTask(ctx, "worker-2")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if task != nil {
		t.Errorf("Expected no task for worker-2, got %+v", task)
	}
}

func TestClaimTask_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	target := mustCreateTask(t, f, domain.TaskTypeResearch, "worker")

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan *domain.Task, claimers)
	raceErrs := make(chan error, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := f.coord.ClaimTask(ctx, "worker")
			if err != nil {
				raceErrs <- err
				return
			}
			results <- task
		}()
	}
	wg.Wait()
	close(results)
	close(raceErrs)

	winners := 0
	for task := range results {
		if task != nil {
			winners++
			if task.ID != target.ID {
				t.Errorf("Winner claimed unexpected task %s", task.ID)
			}
		}
	}
	if winners != 1 {
		t.Fatalf("Expected exactly 1 winner, got %d", winners)
	}

	for err := range raceErrs {
		if !errors.Is(err, domain.ErrRaceCondition) {
			t.Errorf("Expected only ErrRaceCondition from losers, got %v", err)
		}
	}

	got, err := f.store.Tasks().Get(ctx, target.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.TaskStatusInProgress || got.ClaimedBy != "worker" {
		t.Errorf("Expected single in_progress claim, got status=%s claimed_by=%s", got.Status, got.ClaimedBy)
	}
}

func TestClaimTaskWithRetry_SurvivesContention(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		task, err := f.coord.CreateTask(ctx, domain.TaskTypeResearch, fmt.Sprintf("task %d", i), "lead", "worker")
		if err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		_ = task
	}

	const claimers = 4
	var wg sync.WaitGroup
	claimed := make(chan *domain.Task, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := f.coord.ClaimTaskWithRetry(ctx, "worker")
			if err != nil {
				t.Errorf("ClaimTaskWithRetry failed: %v", err)
				return
			}
			claimed <- task
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[string]bool)
	for task := range claimed {
		if task == nil {
			continue
		}
		if seen[task.ID] {
			t.Errorf("Task %s claimed twice", task.ID)
		}
		seen[task.ID] = true
	}
}

func TestCompleteTask_ResultSlots(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	mustCreateTask(t, f, domain.TaskTypeResearch, "worker")
	claimed, err := f.coord.ClaimTask(ctx, "worker")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	results := domain.TaskResults{
		domain.ResultKeySummary:      "root cause found",
		domain.ResultKeyArtifact:     "s3://reports/rc.md",
		domain.ResultKeyQualityScore: "0.9",
		"reviewed_by":                "lead",
	}
	ok, reason, err := f.coord.CompleteTask(ctx, claimed.ID, results)
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if !ok {
		t.Fatalf("Expected completion, got reason %q", reason)
	}

	got, _ := f.store.Tasks().Get(ctx, claimed.ID)
	if got.Status != domain.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.ResultSummary != "root cause found" {
		t.Errorf("Expected summary slot populated, got %q", got.ResultSummary)
	}
	if got.QualityScore != 0.9 {
		t.Errorf("Expected quality score 0.9, got %f", got.QualityScore)
	}
	if got.ResultExtras["reviewed_by"] != "lead" {
		t.Errorf("Expected extras to carry reviewed_by, got %v", got.ResultExtras)
	}

	// Delegator receives a completion notification.
	pending, err := f.coord.GetPendingNotifications(ctx, "lead")
	if err != nil {
		t.Fatalf("GetPendingNotifications failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != domain.NotificationTaskCompleted {
		t.Errorf("Expected one task_completed notification, got %+v", pending)
	}
}

func TestCompleteTask_AlreadyCompletedReturnsFalse(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	mustCreateTask(t, f, domain.TaskTypeResearch, "worker")
	claimed, _ := f.coord.ClaimTask(ctx, "worker")

	ok, _, err := f.coord.CompleteTask(ctx, claimed.ID, domain.TaskResults{domain.ResultKeySummary: "done"})
	if err != nil || !ok {
		t.Fatalf("First completion failed: ok=%v err=%v", ok, err)
	}

	ok, reason, err := f.coord.CompleteTask(ctx, claimed.ID, domain.TaskResults{domain.ResultKeySummary: "again"})
	if err != nil {
		t.Fatalf("Second completion errored: %v", err)
	}
	if ok {
		t.Error("Expected second completion rejected")
	}
	if reason == "" {
		t.Error("Expected a reason for the rejection")
	}
}

func TestCompleteTask_ExtrasCapped(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	mustCreateTask(t, f, domain.TaskTypeResearch, "worker")
	claimed, _ := f.coord.ClaimTask(ctx, "worker")

	results := domain.TaskResults{domain.ResultKeySummary: "done"}
	for i := 0; i < domain.MaxResultExtras+5; i++ {
		results[fmt.Sprintf("extra_%02d", i)] = "v"
	}

	ok, _, err := f.coord.CompleteTask(ctx, claimed.ID, results)
	if err != nil || !ok {
		t.Fatalf("CompleteTask failed: ok=%v err=%v", ok, err)
	}

	got, _ := f.store.Tasks().Get(ctx, claimed.ID)
	if len(got.ResultExtras) != domain.MaxResultExtras {
		t.Errorf("Expected extras capped at %d, got %d", domain.MaxResultExtras, len(got.ResultExtras))
	}
	// Deterministic: the lexicographically first keys survive.
	if _, ok := got.ResultExtras["extra_00"]; !ok {
		t.Error("Expected extra_00 kept under deterministic capping")
	}
}

func TestBlockTask_EscalatesToDelegator(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	mustCreateTask(t, f, domain.TaskTypeOutreach, "worker")
	claimed, _ := f.coord.ClaimTask(ctx, "worker")

	if err := f.coord.BlockTask(ctx, claimed.ID, "waiting on credentials"); err != nil {
		t.Fatalf("BlockTask failed: %v", err)
	}

	got, _ := f.store.Tasks().Get(ctx, claimed.ID)
	if got.Status != domain.TaskStatusBlocked {
		t.Errorf("Expected blocked, got %s", got.Status)
	}
	if got.BlockedReason != "waiting on credentials" {
		t.Errorf("Expected blocked reason stored, got %q", got.BlockedReason)
	}
	if got.BlockedAt == nil {
		t.Error("Expected blocked_at set")
	}

	pending, _ := f.coord.GetPendingNotifications(ctx, "lead")
	if len(pending) != 1 || pending[0].Type != domain.NotificationEscalation {
		t.Errorf("Expected escalation notification to delegator, got %+v", pending)
	}
}

func TestBlockTask_RequiresReason(t *testing.T) {
	f := newFixture(t, defaultLimits())
	task := mustCreateTask(t, f, domain.TaskTypeResearch, "worker")

	err := f.coord.BlockTask(context.Background(), task.ID, "  ")
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation for empty reason, got %v", err)
	}
}

func TestReassignBlockedTask(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	mustCreateTask(t, f, domain.TaskTypeReview, "worker")
	claimed, _ := f.coord.ClaimTask(ctx, "worker")
	if err := f.coord.BlockTask(ctx, claimed.ID, "conflict of interest"); err != nil {
		t.Fatalf("BlockTask failed: %v", err)
	}

	if err := f.coord.ReassignBlockedTask(ctx, claimed.ID, "worker-2"); err != nil {
		t.Fatalf("ReassignBlockedTask failed: %v", err)
	}

	got, _ := f.store.Tasks().Get(ctx, claimed.ID)
	if got.Status != domain.TaskStatusPending {
		t.Errorf("Expected pending after reassign, got %s", got.Status)
	}
	if got.AssignedTo != "worker-2" || got.ClaimedBy != "" {
		t.Errorf("Expected clean reassignment to worker-2, got assigned=%s claimed=%s", got.AssignedTo, got.ClaimedBy)
	}
	if got.EscalationCount != 1 {
		t.Errorf("Expected escalation count 1, got %d", got.EscalationCount)
	}

	// The new assignee can claim it.
	reclaimed, err := f.coord.ClaimTask(ctx, "worker-2")
	if err != nil || reclaimed == nil {
		t.Fatalf("Expected worker-2 to claim reassigned task: %v", err)
	}
}

func TestReassignBlockedTask_RejectsNonBlocked(t *testing.T) {
	f := newFixture(t, defaultLimits())
	task := mustCreateTask(t, f, domain.TaskTypeResearch, "worker")

	err := f.coord.ReassignBlockedTask(context.Background(), task.ID, "worker-2")
	if !errors.Is(err, domain.ErrTaskNotBlocked) {
		t.Errorf("Expected ErrTaskNotBlocked for pending task, got %v", err)
	}
}

func TestStoreClassifiedContent_PrivateBlocked(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	rec, stored, err := f.coord.StoreClassifiedContent(ctx,
		"My SSN is 123-45-6789, keep it handy.",
		access.SenderContext{Sender: "user-1"},
	)
	if err != nil {
		t.Fatalf("StoreClassifiedContent failed: %v", err)
	}
	if stored || rec != nil {
		t.Errorf("Expected private content blocked, got stored=%v rec=%+v", stored, rec)
	}

	// Nothing reached the backend.
	found, _ := f.store.Contents().SearchText(ctx, "SSN", "", 10)
	if len(found) != 0 {
		t.Errorf("Expected no persisted record, got %d", len(found))
	}
}

func TestStoreClassifiedContent_SensitiveIsolation(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	_, stored, err := f.coord.StoreClassifiedContent(ctx,
		"Thinking about refinancing the mortgage this year.",
		access.SenderContext{Sender: "user-1"},
	)
	if err != nil || !stored {
		t.Fatalf("Expected sensitive content stored: stored=%v err=%v", stored, err)
	}

	// The originating sender sees it.
	own, err := f.coord.QueryRelatedContent(ctx, "mortgage", access.SenderContext{Sender: "user-1"})
	if err != nil {
		t.Fatalf("QueryRelatedContent failed: %v", err)
	}
	if len(own) != 1 {
		t.Errorf("Expected sender to see own sensitive record, got %d", len(own))
	}

	// Another sender does not.
	other, err := f.coord.QueryRelatedContent(ctx, "mortgage", access.SenderContext{Sender: "user-2"})
	if err != nil {
		t.Fatalf("QueryRelatedContent failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected sensitive record hidden from other senders, got %d", len(other))
	}
}

func TestStoreClassifiedContent_PublicVisibleToAll(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	_, stored, err := f.coord.StoreClassifiedContent(ctx,
		"Deployment runbook updated with the new rollout steps.",
		access.SenderContext{Sender: "user-1"},
	)
	if err != nil || !stored {
		t.Fatalf("Expected public content stored: stored=%v err=%v", stored, err)
	}

	got, err := f.coord.QueryRelatedContent(ctx, "runbook", access.SenderContext{Sender: "user-2"})
	if err != nil {
		t.Fatalf("QueryRelatedContent failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected public record visible to everyone, got %d", len(got))
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	f := newFixture(t, ratelimit.Config{HourlyLimit: 100000, BurstLimit: 2, BurstWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.coord.ClaimTask(ctx, "worker"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}
	_, err := f.coord.ClaimTask(ctx, "worker")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited over burst quota, got %v", err)
	}
}

func TestFallback_DivertAndResync(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	f.store.SetOffline(true)

	task, err := f.coord.CreateTask(ctx, domain.TaskTypeMaintenance, "rotate credentials", "lead", "worker")
	if err != nil {
		t.Fatalf("Expected fallback-diverted create to succeed, got %v", err)
	}
	if task == nil {
		t.Fatal("Expected task returned from diverted create")
	}
	if !f.monitor.Active() {
		t.Fatal("Expected fallback mode active after diversion")
	}

	// Backend recovers; resync replays the held write.
	f.store.SetOffline(false)
	if err := f.monitor.Resync(ctx); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if f.monitor.Active() {
		t.Error("Expected fallback mode off after resync")
	}

	got, err := f.store.Tasks().Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Expected replayed task in backend: %v", err)
	}
	if got.Status != domain.TaskStatusPending {
		t.Errorf("Expected replayed task pending, got %s", got.Status)
	}
}

func TestHealth_Reports(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	mustCreateTask(t, f, domain.TaskTypeResearch, "worker")

	report := f.coord.Health(ctx)
	if report.Status != health.StatusHealthy {
		t.Errorf("Expected healthy, got %s", report.Status)
	}
	if !report.BackendOK {
		t.Error("Expected backend_ok")
	}
	if report.PendingTasks != 1 {
		t.Errorf("Expected 1 pending task, got %d", report.PendingTasks)
	}
	if report.SessionCapacity != 8 {
		t.Errorf("Expected session capacity 8, got %d", report.SessionCapacity)
	}

	// Backend down without fallback: critical.
	f.store.SetOffline(true)
	report = f.coord.Health(ctx)
	if report.Status != health.StatusCritical {
		t.Errorf("Expected critical with backend down, got %s", report.Status)
	}

	// Fallback mode on: degraded, not critical.
	f.monitor.Activate()
	report = f.coord.Health(ctx)
	if report.Status != health.StatusDegraded {
		t.Errorf("Expected degraded in fallback mode, got %s", report.Status)
	}
}

func TestEndToEnd_DelegationLifecycle(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	// Lead delegates, worker claims and hits a wall, lead reassigns,
	// worker-2 finishes, lead reads both notifications.
	task := mustCreateTask(t, f, domain.TaskTypeResearch, "worker")

	claimed, err := f.coord.ClaimTask(ctx, "worker")
	if err != nil || claimed == nil {
		t.Fatalf("worker claim failed: %v", err)
	}
	if err := f.coord.BlockTask(ctx, claimed.ID, "missing dataset access"); err != nil {
		t.Fatalf("BlockTask failed: %v", err)
	}
	if err := f.coord.ReassignBlockedTask(ctx, task.ID, "worker-2"); err != nil {
		t.Fatalf("ReassignBlockedTask failed: %v", err)
	}

	reclaimed, err := f.coord.ClaimTask(ctx, "worker-2")
	if err != nil || reclaimed == nil {
		t.Fatalf("worker-2 claim failed: %v", err)
	}
	ok, _, err := f.coord.CompleteTask(ctx, reclaimed.ID, domain.TaskResults{
		domain.ResultKeySummary: "dataset analyzed, report attached",
	})
	if err != nil || !ok {
		t.Fatalf("CompleteTask failed: ok=%v err=%v", ok, err)
	}

	pending, err := f.coord.GetPendingNotifications(ctx, "lead")
	if err != nil {
		t.Fatalf("GetPendingNotifications failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected escalation + completion notifications, got %d", len(pending))
	}
	types := map[domain.NotificationType]bool{}
	for _, n := range pending {
		types[n.Type] = true
	}
	if !types[domain.NotificationEscalation] || !types[domain.NotificationTaskCompleted] {
		t.Errorf("Expected escalation and task_completed, got %v", types)
	}
}
