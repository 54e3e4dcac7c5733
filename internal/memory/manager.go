package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	HistoryLimit int
	ContextTurns int
	Labels       ContextLabels
	Now          func() time.Time
}

// Manager holds one user's profile and bounded conversation log and writes
// every mutation through to its Store before it becomes visible.
type Manager struct {
	mu     sync.RWMutex
	store  Store
	userID string
	opts   Options
	state  State
}

// Open loads the persisted state for userID, or starts from an empty state
// when none exists. Corrupted state is returned as an error wrapping ErrCorrupt.
func Open(ctx context.Context, store Store, userID string, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("memory: store is required")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("memory: user id is required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = DefaultContextTurns
	}
	if opts.Labels == (ContextLabels{}) {
		opts.Labels = ChineseLabels()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	state, found, err := store.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load memory for %q: %w", userID, err)
	}
	if !found {
		state = NewState(userID)
	}
	state.UserID = userID
	state.normalize()

	return &Manager{
		store:  store,
		userID: userID,
		opts:   opts,
		state:  state,
	}, nil
}

func (m *Manager) UserID() string { return m.userID }

// Profile returns a copy of the current profile.
func (m *Manager) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone().Profile
}

// Turns returns a copy of the conversation log, oldest first.
func (m *Manager) Turns() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Turn{}, m.state.Turns...)
}

// Snapshot returns a deep copy of the whole state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// UpdateProfile overwrites name, age and interests and persists the result.
func (m *Manager) UpdateProfile(ctx context.Context, name, age string, interests []string) error {
	return m.mutate(ctx, func(next *State) {
		next.Profile.Name = name
		next.Profile.Age = age
		next.Profile.Interests = append([]string{}, interests...)
		next.Profile.LastUpdated = m.now()
	})
}

// SetPreference records a free-form preference on the profile.
func (m *Manager) SetPreference(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("memory: preference key is required")
	}
	return m.mutate(ctx, func(next *State) {
		next.Profile.Preferences[key] = value
		next.Profile.LastUpdated = m.now()
	})
}

// AppendTurn stamps turn with an ID and the current time, appends it to the
// log, evicts the oldest turns beyond the history limit and persists.
func (m *Manager) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	err := m.mutate(ctx, func(next *State) {
		if turn.ID == "" {
			turn.ID = uuid.NewString()
		}
		turn.Timestamp = m.now()
		if n := len(next.Turns); n > 0 {
			if prev := next.Turns[n-1].Timestamp; turn.Timestamp.Before(prev) {
				turn.Timestamp = prev
			}
		}
		next.Turns = append(next.Turns, turn)
		if over := len(next.Turns) - m.opts.HistoryLimit; over > 0 {
			next.Turns = append([]Turn{}, next.Turns[over:]...)
		}
		if turn.Emotion != "" {
			next.EmotionalPatterns[turn.Emotion]++
		}
	})
	if err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// mutate applies fn to a copy of the state, saves it and only then swaps it in.
func (m *Manager) mutate(ctx context.Context, fn func(next *State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.Clone()
	fn(&next)
	if err := m.store.Save(ctx, m.userID, next); err != nil {
		return fmt.Errorf("save memory for %q: %w", m.userID, err)
	}
	m.state = next
	return nil
}

// now truncates to microseconds, the finest precision every backend keeps.
func (m *Manager) now() time.Time {
	return m.opts.Now().UTC().Truncate(time.Microsecond)
}
