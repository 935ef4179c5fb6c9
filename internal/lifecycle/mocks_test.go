package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/prophecy/internal/intake"
	"github.com/kiranshivaraju/prophecy/internal/store"
	"github.com/kiranshivaraju/prophecy/internal/trigger"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

// --- mocks ---

type memStore struct {
	mu          sync.Mutex
	predictions map[uuid.UUID]*models.Prediction
	createErr   error
	finishes    int
	// afterGet runs once GetPrediction has released the lock.
	afterGet func()
}

func newMemStore() *memStore {
	return &memStore{predictions: make(map[uuid.UUID]*models.Prediction)}
}

func (s *memStore) Ping(_ context.Context) error { return nil }
func (s *memStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *memStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *memStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error     { return nil }

func (s *memStore) CreatePrediction(_ context.Context, p *models.Prediction) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.predictions[p.ID] = &cp
	return nil
}

func (s *memStore) GetPrediction(_ context.Context, id, owner uuid.UUID) (*models.Prediction, error) {
	s.mu.Lock()
	p, ok := s.predictions[id]
	var cp models.Prediction
	if ok {
		cp = *p
	}
	hook := s.afterGet
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok || cp.OwnerID != owner {
		return nil, store.ErrNotFound
	}
	return &cp, nil
}

func (s *memStore) ListPredictions(_ context.Context, owner uuid.UUID) ([]*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Prediction{}
	for _, p := range s.predictions {
		if p.OwnerID == owner {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) FinishPrediction(_ context.Context, id, owner uuid.UUID, fin store.Finish) (*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	if !ok || p.OwnerID != owner {
		return nil, store.ErrNotFound
	}
	if p.IsTerminal() {
		return nil, store.ErrAlreadyFinal
	}
	if fin.Result != nil {
		if err := fin.Result.Validate(); err != nil {
			return nil, err
		}
	}
	s.finishes++
	p.Status = fin.Status
	p.Result = fin.Result
	p.ErrorMessage = fin.ErrorMessage
	p.UpdatedAt = fin.At
	cp := *p
	return &cp, nil
}

func (s *memStore) FailOverdue(_ context.Context, now time.Time, reason string) ([]*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Prediction
	for _, p := range s.predictions {
		if !p.IsTerminal() && p.DeadlineAt.Before(now) {
			msg := reason
			p.Status = models.StatusFailed
			p.ErrorMessage = &msg
			p.UpdatedAt = now
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) get(id uuid.UUID) *models.Prediction {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.predictions)
}

type memCache struct {
	mu       sync.Mutex
	statuses map[string]string
	reads    int
}

func newMemCache() *memCache {
	return &memCache{statuses: make(map[string]string)}
}

func (c *memCache) Ping(_ context.Context) error { return nil }
func (c *memCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

func (c *memCache) SetPredictionStatus(_ context.Context, owner, id uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[owner.String()+id.String()] = status
	return nil
}

func (c *memCache) GetPredictionStatus(_ context.Context, owner, id uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	s, ok := c.statuses[owner.String()+id.String()]
	return s, ok, nil
}

type memIntake struct {
	mu    sync.Mutex
	files map[string]intake.Upload
	err   error
}

func (m *memIntake) Store(_ context.Context, _ uuid.UUID, up intake.Upload) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string]intake.Upload)
	}
	ref := intake.Ref(up.Content)
	m.files[ref] = up
	return ref, nil
}

func (m *memIntake) Open(_ context.Context, owner uuid.UUID, ref string) (*intake.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.files[ref]
	if !ok {
		return nil, intake.ErrNotFound
	}
	return &intake.File{OwnerID: owner, Ref: ref, Name: up.Name, Content: up.Content}, nil
}

// recordingDispatcher remembers tasks and optionally fails.
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []trigger.Task
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task trigger.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return d.err
}

func (d *recordingDispatcher) dispatched() []trigger.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]trigger.Task(nil), d.tasks...)
}

type stubTokens struct{ err error }

func (t stubTokens) Issue(owner, id uuid.UUID, _ time.Duration) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return "tok:" + owner.String() + ":" + id.String(), nil
}

// failingPublisher rejects every event.
type failingPublisher struct{}

func (failingPublisher) Publish(_ context.Context, _ models.PredictionEvent) error {
	return errors.New("redis down")
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
