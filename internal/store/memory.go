package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"safetyvoice/api/internal/lifecycle"
)

// MemoryStore keeps everything in process. It backs local demo runs and tests,
// and follows the same compare-and-set rules as PostgresStore.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]Submission
	events      map[string][]SubmissionEvent
	moderators  map[string]Moderator
	refresh     map[string]memoryRefreshSession
	revoked     map[string]time.Time
	now         func() time.Time
}

type memoryRefreshSession struct {
	moderatorID string
	expiresAt   time.Time
	revoked     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]Submission),
		events:      make(map[string][]SubmissionEvent),
		moderators:  make(map[string]Moderator),
		refresh:     make(map[string]memoryRefreshSession),
		revoked:     make(map[string]time.Time),
		now:         time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateSubmission(_ context.Context, item Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.submissions[item.ID]; exists {
		return fmt.Errorf("insert submission: duplicate id %s", item.ID)
	}
	item.Status = lifecycle.StatusPrivate
	item.UpdatedAt = item.CreatedAt
	item.Draft = Draft{}
	item.PublishedAt = nil
	m.submissions[item.ID] = cloneSubmission(item)
	return nil
}

func (m *MemoryStore) InsertSeedSubmission(_ context.Context, item Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.submissions[item.ID]; exists {
		return nil
	}
	item.UpdatedAt = item.CreatedAt
	m.submissions[item.ID] = cloneSubmission(item)
	return nil
}

func (m *MemoryStore) AttachDraft(_ context.Context, submissionID string, draft Draft) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.submissions[submissionID]
	if !ok || item.Status != lifecycle.StatusPrivate {
		return false, nil
	}
	item.Status = lifecycle.StatusDraftGenerated
	item.Draft = cloneDraft(draft)
	item.UpdatedAt = m.now()
	m.submissions[submissionID] = item
	return true, nil
}

func (m *MemoryStore) GetSubmission(_ context.Context, submissionID string) (Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.submissions[submissionID]
	if !ok {
		return Submission{}, sql.ErrNoRows
	}
	return cloneSubmission(item), nil
}

func (m *MemoryStore) ListSubmissions(_ context.Context, statuses []lifecycle.Status) ([]Submission, error) {
	wanted := make(map[lifecycle.Status]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	m.mu.RLock()
	items := make([]Submission, 0)
	for _, item := range m.submissions {
		if wanted[item.Status] {
			items = append(items, cloneSubmission(item))
		}
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

func (m *MemoryStore) DecideSubmission(_ context.Context, decision Decision) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.submissions[decision.SubmissionID]
	if !ok || item.Status != decision.From {
		return false, nil
	}
	if decision.To == lifecycle.StatusPublished && !item.ConsentPublish {
		return false, fmt.Errorf("decide submission: publish without consent")
	}
	now := m.now()
	item.Status = decision.To
	item.DecidedBy = decision.DecidedBy
	item.UpdatedAt = now
	if decision.Draft != nil {
		item.Draft = cloneDraft(*decision.Draft)
	}
	if decision.AdminNotes != nil {
		item.AdminNotes = *decision.AdminNotes
	}
	if decision.To == lifecycle.StatusPublished && item.PublishedAt == nil {
		item.PublishedAt = &now
	}
	m.submissions[decision.SubmissionID] = item
	return true, nil
}

func (m *MemoryStore) UpdateDraft(_ context.Context, submissionID string, expected lifecycle.Status, draft Draft, adminNotes *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.submissions[submissionID]
	if !ok || item.Status != expected {
		return false, nil
	}
	item.Draft = cloneDraft(draft)
	if adminNotes != nil {
		item.AdminNotes = *adminNotes
	}
	item.UpdatedAt = m.now()
	m.submissions[submissionID] = item
	return true, nil
}

func (m *MemoryStore) ListPublished(_ context.Context, limit, offset int) ([]Submission, error) {
	m.mu.RLock()
	items := make([]Submission, 0)
	for _, item := range m.submissions {
		if item.Status == lifecycle.StatusPublished {
			items = append(items, cloneSubmission(item))
		}
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].PublishedAt.Equal(*items[j].PublishedAt) {
			return items[i].PublishedAt.After(*items[j].PublishedAt)
		}
		return items[i].ID > items[j].ID
	})
	if offset >= len(items) {
		return []Submission{}, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) GetPublished(ctx context.Context, submissionID string) (Submission, error) {
	item, err := m.GetSubmission(ctx, submissionID)
	if err != nil {
		return Submission{}, err
	}
	if item.Status != lifecycle.StatusPublished {
		return Submission{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *MemoryStore) PublishedCounts(context.Context) ([]PublishedCount, error) {
	regions := map[string]int{}
	disciplines := map[string]int{}
	m.mu.RLock()
	for _, item := range m.submissions {
		if item.Status != lifecycle.StatusPublished {
			continue
		}
		if item.Region != "" {
			regions[item.Region]++
		}
		if item.Discipline != "" {
			disciplines[item.Discipline]++
		}
	}
	m.mu.RUnlock()

	items := append(countRows("discipline", disciplines), countRows("region", regions)...)
	return items, nil
}

func countRows(dimension string, totals map[string]int) []PublishedCount {
	rows := make([]PublishedCount, 0, len(totals))
	for value, total := range totals {
		rows = append(rows, PublishedCount{Dimension: dimension, Value: value, Total: total})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Total != rows[j].Total {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].Value < rows[j].Value
	})
	return rows
}

func (m *MemoryStore) InsertEvent(_ context.Context, event SubmissionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.now()
	}
	m.events[event.SubmissionID] = append(m.events[event.SubmissionID], event)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, submissionID string) ([]SubmissionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SubmissionEvent{}, m.events[submissionID]...), nil
}

func (m *MemoryStore) CreateModerator(_ context.Context, moderator Moderator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	moderator.Email = strings.ToLower(strings.TrimSpace(moderator.Email))
	for _, existing := range m.moderators {
		if existing.Email == moderator.Email {
			return fmt.Errorf("insert moderator: email %s already exists", moderator.Email)
		}
	}
	now := m.now()
	moderator.CreatedAt = now
	moderator.UpdatedAt = now
	m.moderators[moderator.ID] = moderator
	return nil
}

func (m *MemoryStore) GetModeratorByEmail(_ context.Context, email string) (Moderator, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, moderator := range m.moderators {
		if moderator.Email == email {
			return moderator, nil
		}
	}
	return Moderator{}, sql.ErrNoRows
}

func (m *MemoryStore) GetModeratorByID(_ context.Context, moderatorID string) (Moderator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	moderator, ok := m.moderators[moderatorID]
	if !ok {
		return Moderator{}, sql.ErrNoRows
	}
	return moderator, nil
}

func (m *MemoryStore) ListModerators(context.Context) ([]Moderator, error) {
	m.mu.RLock()
	items := make([]Moderator, 0, len(m.moderators))
	for _, moderator := range m.moderators {
		items = append(items, moderator)
	}
	m.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (m *MemoryStore) UpdateModeratorPassword(_ context.Context, moderatorID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	moderator, ok := m.moderators[moderatorID]
	if !ok {
		return sql.ErrNoRows
	}
	moderator.PasswordHash = passwordHash
	moderator.UpdatedAt = m.now()
	m.moderators[moderatorID] = moderator
	return nil
}

func (m *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, moderatorID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = memoryRefreshSession{moderatorID: moderatorID, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.refresh[tokenHash]; ok {
		session.revoked = true
		m.refresh[tokenHash] = session
	}
	return nil
}

func (m *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (Moderator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.refresh[tokenHash]
	if !ok || session.revoked || !m.now().Before(session.expiresAt) {
		return Moderator{}, sql.ErrNoRows
	}
	moderator, ok := m.moderators[session.moderatorID]
	if !ok {
		return Moderator{}, sql.ErrNoRows
	}
	return moderator, nil
}

func (m *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = exp
	return nil
}

func (m *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, revoked := m.revoked[jti]
	return revoked, nil
}

func cloneSubmission(item Submission) Submission {
	item.Draft = cloneDraft(item.Draft)
	if item.PublishedAt != nil {
		value := *item.PublishedAt
		item.PublishedAt = &value
	}
	return item
}

func cloneDraft(draft Draft) Draft {
	draft.AnonymisationNotes = append([]string{}, draft.AnonymisationNotes...)
	draft.RiskFlags = append([]string{}, draft.RiskFlags...)
	return draft
}
