package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dnanh/opsmem/internal/core/domain"
	"github.com/dnanh/opsmem/internal/infra/storage"
)

// MemoryStorage is an in-process backend used for tests and no-database
// development mode. Claim semantics mirror the optimistic protocol of the
// Postgres backend: candidate selection and the conditional update are
// separate critical sections, so concurrent claimers can genuinely lose
// the race.
type MemoryStorage struct {
	mu            sync.RWMutex
	tasks         map[string]*domain.Task
	agents        map[string]*domain.Agent
	notifications map[string]*domain.Notification
	contents      map[string]*domain.ClassifiedContent
	offline       bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks:         make(map[string]*domain.Task),
		agents:        make(map[string]*domain.Agent),
		notifications: make(map[string]*domain.Notification),
		contents:      make(map[string]*domain.ClassifiedContent),
	}
}

// SetOffline toggles simulated backend unavailability. While offline every
// operation fails with domain.ErrDatabase, as an unreachable backend would.
func (s *MemoryStorage) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *MemoryStorage) checkOnline() error {
	if s.offline {
		return fmt.Errorf("%w: backend offline", domain.ErrDatabase)
	}
	return nil
}

func (s *MemoryStorage) Tasks() storage.TaskRepository   { return &TaskRepo{store: s} }
func (s *MemoryStorage) Agents() storage.AgentRepository { return &AgentRepo{store: s} }
func (s *MemoryStorage) Notifications() storage.NotificationRepository {
	return &NotificationRepo{store: s}
}
func (s *MemoryStorage) Contents() storage.ContentRepository { return &ContentRepo{store: s} }

func (s *MemoryStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOnline()
}

// -----------------------------------------------------------------------------
// Task Repository
// -----------------------------------------------------------------------------

type TaskRepo struct {
	store *MemoryStorage
}

func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return err
	}
	cp := *task
	r.store.tasks[task.ID] = &cp
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if err := r.store.checkOnline(); err != nil {
		return nil, err
	}
	t, ok := r.store.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *TaskRepo) ClaimOldestPending(ctx context.Context, agentID, attemptID string) (*domain.Task, error) {
	// Candidate selection under the read lock only. The gap before the
	// write lock below is where concurrent claimers race, same as the
	// select-then-conditional-update window on the SQL backend.
	r.store.mu.RLock()
	if err := r.store.checkOnline(); err != nil {
		r.store.mu.RUnlock()
		return nil, err
	}
	var candidate *domain.Task
	for _, t := range r.store.tasks {
		if t.Status != domain.TaskStatusPending || t.AssignedTo != agentID {
			continue
		}
		if candidate == nil || t.CreatedAt.Before(candidate.CreatedAt) {
			candidate = t
		}
	}
	r.store.mu.RUnlock()

	if candidate == nil {
		return nil, nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return nil, err
	}

	// Conditional update: only succeeds if the row is still pending.
	t, ok := r.store.tasks[candidate.ID]
	if !ok || t.Status != domain.TaskStatusPending {
		return nil, fmt.Errorf("%w: task %s", domain.ErrRaceCondition, candidate.ID)
	}
	t.Status = domain.TaskStatusInProgress
	t.ClaimedBy = agentID
	t.ClaimAttemptID = attemptID
	t.UpdatedAt = time.Now()

	// Read-back verification of the stored attempt id.
	if t.ClaimAttemptID != attemptID {
		return nil, fmt.Errorf("%w: attempt id mismatch on task %s", domain.ErrRaceCondition, t.ID)
	}
	cp := *t
	return &cp, nil
}

func (r *TaskRepo) CompleteResults(ctx context.Context, taskID string, summary, artifact string, score float64, extras map[string]string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return false, err
	}
	t, ok := r.store.tasks[taskID]
	if !ok {
		return false, domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusInProgress {
		return false, nil
	}
	t.Status = domain.TaskStatusCompleted
	t.ResultSummary = summary
	t.ResultArtifact = artifact
	t.QualityScore = score
	if len(extras) > 0 {
		t.ResultExtras = make(map[string]string, len(extras))
		for k, v := range extras {
			t.ResultExtras[k] = v
		}
	}
	t.UpdatedAt = time.Now()
	return true, nil
}

func (r *TaskRepo) Block(ctx context.Context, taskID, reason string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return err
	}
	t, ok := r.store.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Status = domain.TaskStatusBlocked
	t.BlockedReason = reason
	t.BlockedAt = &at
	t.UpdatedAt = time.Now()
	return nil
}

func (r *TaskRepo) Reassign(ctx context.Context, taskID, newAgentID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return err
	}
	t, ok := r.store.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusBlocked {
		return domain.ErrTaskNotBlocked
	}
	t.AssignedTo = newAgentID
	t.ClaimedBy = ""
	t.ClaimAttemptID = ""
	t.Status = domain.TaskStatusPending
	t.BlockedReason = ""
	t.BlockedAt = nil
	t.EscalationCount++
	t.UpdatedAt = time.Now()
	return nil
}

func (r *TaskRepo) CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if err := r.store.checkOnline(); err != nil {
		return 0, err
	}
	count := 0
	for _, t := range r.store.tasks {
		if t.Status == status {
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Agent Repository
// -----------------------------------------------------------------------------

type AgentRepo struct {
	store *MemoryStorage
}

func (r *AgentRepo) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if err := r.store.checkOnline(); err != nil {
		return nil, err
	}
	a, ok := r.store.agents[agentID]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AgentRepo) Save(ctx context.Context, agent *domain.Agent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return err
	}
	cp := *agent
	r.store.agents[agent.ID] = &cp
	return nil
}

// -----------------------------------------------------------------------------
// Notification Repository
// -----------------------------------------------------------------------------

type NotificationRepo struct {
	store *MemoryStorage
}

func (r *NotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return err
	}
	cp := *n
	r.store.notifications[n.ID] = &cp
	return nil
}

func (r *NotificationRepo) GetPendingAndMarkRead(ctx context.Context, agentID string) ([]*domain.Notification, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return nil, err
	}
	var result []*domain.Notification
	for _, n := range r.store.notifications {
		if n.ToAgent != agentID || n.Read {
			continue
		}
		n.Read = true
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *NotificationRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return 0, err
	}
	deleted := 0
	for id, n := range r.store.notifications {
		if deleted >= limit {
			break
		}
		if n.Expired(now) {
			delete(r.store.notifications, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *NotificationRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if err := r.store.checkOnline(); err != nil {
		return 0, err
	}
	return len(r.store.notifications), nil
}

// -----------------------------------------------------------------------------
// Content Repository
// -----------------------------------------------------------------------------

type ContentRepo struct {
	store *MemoryStorage
}

func visible(c *domain.ClassifiedContent, senderKey string) bool {
	switch c.Tier {
	case domain.TierPublic:
		return true
	case domain.TierSensitive:
		return senderKey != "" && c.SenderKey == senderKey
	default:
		return false
	}
}

func (r *ContentRepo) Insert(ctx context.Context, c *domain.ClassifiedContent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.checkOnline(); err != nil {
		return err
	}
	cp := *c
	r.store.contents[c.ID] = &cp
	return nil
}

func (r *ContentRepo) SearchText(ctx context.Context, query, senderKey string, limit int) ([]*domain.ClassifiedContent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if err := r.store.checkOnline(); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	var result []*domain.ClassifiedContent
	for _, c := range r.store.contents {
		if !visible(c, senderKey) {
			continue
		}
		body := strings.ToLower(c.Body)
		for _, term := range terms {
			if strings.Contains(body, term) {
				cp := *c
				result = append(result, &cp)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *ContentRepo) RecentWithEmbeddings(ctx context.Context, senderKey string, limit int) ([]*domain.ClassifiedContent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if err := r.store.checkOnline(); err != nil {
		return nil, err
	}
	var result []*domain.ClassifiedContent
	for _, c := range r.store.contents {
		if len(c.Embedding) == 0 || !visible(c, senderKey) {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
