package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"ugc/server/internal/model"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// MemoryStore holds accounts, refresh tokens and live generation jobs with
// their event logs. Finished artifacts are kept by the history trackers.
type MemoryStore struct {
	mu sync.RWMutex

	users       map[string]model.User
	userByEmail map[string]string

	refreshTokens map[string]model.RefreshToken

	jobs             map[string]model.GenerationJob
	eventsByJob      map[string][]model.JobEvent
	eventSeqByJob    map[string]int64
	idempotencyToJob map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:            map[string]model.User{},
		userByEmail:      map[string]string{},
		refreshTokens:    map[string]model.RefreshToken{},
		jobs:             map[string]model.GenerationJob{},
		eventsByJob:      map[string][]model.JobEvent{},
		eventSeqByJob:    map[string]int64{},
		idempotencyToJob: map[string]string{},
	}
}

func (s *MemoryStore) UpsertUser(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	s.userByEmail[strings.ToLower(user.Email)] = user.ID
}

// CreateUser fails with ErrConflict when the email is already registered.
func (s *MemoryStore) CreateUser(user model.User) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userByEmail[strings.ToLower(user.Email)]; ok {
		return model.User{}, ErrConflict
	}
	s.users[user.ID] = user
	s.userByEmail[strings.ToLower(user.Email)] = user.ID
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userByEmail[strings.ToLower(email)]
	if !ok {
		return model.User{}, ErrNotFound
	}
	user, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByID(id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) SaveRefreshToken(tok model.RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[tok.ID] = tok
}

func (s *MemoryStore) GetRefreshToken(id string) (model.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.refreshTokens[id]
	if !ok {
		return model.RefreshToken{}, ErrNotFound
	}
	return tok, nil
}

func (s *MemoryStore) RevokeRefreshToken(id string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refreshTokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.RevokedAt = &revokedAt
	s.refreshTokens[id] = tok
	return nil
}

// CreateJob stores a new job. With a non-empty idempotency key, a second call
// for the same user returns the job created first.
func (s *MemoryStore) CreateJob(job model.GenerationJob, idempotencyKey string) (model.GenerationJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idempotencyKey != "" {
		k := job.UserID + ":" + idempotencyKey
		if existing, ok := s.idempotencyToJob[k]; ok {
			return s.jobs[existing], false, nil
		}
		s.idempotencyToJob[k] = job.ID
	}
	if _, ok := s.jobs[job.ID]; ok {
		return model.GenerationJob{}, false, ErrConflict
	}
	s.jobs[job.ID] = job
	s.eventsByJob[job.ID] = []model.JobEvent{}
	s.eventSeqByJob[job.ID] = 0
	return job, true, nil
}

func (s *MemoryStore) GetJob(jobID string) (model.GenerationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return model.GenerationJob{}, ErrNotFound
	}
	return j, nil
}

// UpdateJob applies fn to the stored job under the write lock.
func (s *MemoryStore) UpdateJob(jobID string, fn func(*model.GenerationJob)) (model.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return model.GenerationJob{}, ErrNotFound
	}
	fn(&j)
	s.jobs[jobID] = j
	return j, nil
}

// ListJobs returns one page of a user's jobs, newest first, and the total.
func (s *MemoryStore) ListJobs(userID string, page, pageSize int) ([]model.GenerationJob, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	var items []model.GenerationJob
	for _, j := range s.jobs {
		if j.UserID == userID {
			items = append(items, j)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	total := len(items)
	start := (page - 1) * pageSize
	if start > total {
		return []model.GenerationJob{}, total
	}
	end := min(start+pageSize, total)
	return append([]model.GenerationJob(nil), items[start:end]...), total
}

// CountActiveJobs counts a user's jobs that have not reached a terminal state.
func (s *MemoryStore) CountActiveJobs(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if j.UserID == userID && !j.State.IsTerminal() {
			n++
		}
	}
	return n
}

func (s *MemoryStore) AppendJobEvent(jobID string, event model.JobEvent) (model.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return model.JobEvent{}, ErrNotFound
	}
	seq := s.eventSeqByJob[jobID] + 1
	s.eventSeqByJob[jobID] = seq
	event.Seq = seq
	event.EventID = uuid.NewString()
	s.eventsByJob[jobID] = append(s.eventsByJob[jobID], event)
	return event, nil
}

func (s *MemoryStore) ListJobEventsFromSeq(jobID string, fromSeq int64) ([]model.JobEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.eventsByJob[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if fromSeq <= 0 {
		return append([]model.JobEvent(nil), events...), nil
	}
	out := make([]model.JobEvent, 0, len(events))
	for _, e := range events {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}
