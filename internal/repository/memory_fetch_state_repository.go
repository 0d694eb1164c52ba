package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tebstrack-io/tebstrack/internal/models"
)

// MemoryFetchStateRepository is an in-memory FetchStateStore.
type MemoryFetchStateRepository struct {
	mu     sync.Mutex
	states map[string]*models.FetchState
	now    func() time.Time
}

func NewMemoryFetchStateRepository() *MemoryFetchStateRepository {
	return &MemoryFetchStateRepository{
		states: make(map[string]*models.FetchState),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryFetchStateRepository) GetLastUID(_ context.Context, mailbox string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[mailbox]; ok {
		return state.LastUID, nil
	}
	return 0, nil
}

func (r *MemoryFetchStateRepository) Advance(_ context.Context, mailbox string, uid uint32, processed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	state, ok := r.states[mailbox]
	if !ok {
		state = &models.FetchState{Mailbox: mailbox, CreatedAt: now}
		r.states[mailbox] = state
	}
	if uid > state.LastUID {
		state.LastUID = uid
	}
	state.TotalProcessed += int64(processed)
	state.LastFetchTime = now
	state.UpdatedAt = now
	return nil
}

func (r *MemoryFetchStateRepository) Reset(_ context.Context, mailbox string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mailbox == "" {
		r.states = make(map[string]*models.FetchState)
		return nil
	}
	delete(r.states, mailbox)
	return nil
}

func (r *MemoryFetchStateRepository) Stats(_ context.Context) ([]models.FetchState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]models.FetchState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, *s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Mailbox < states[j].Mailbox })
	return states, nil
}
