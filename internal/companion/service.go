package companion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/xiaonuan/internal/completion"
	"github.com/ent0n29/xiaonuan/internal/memory"
)

var ErrInvalidUser = errors.New("user id is required")

// MemoryView is a read-only copy of a user's memory together with the context
// block the next reply prompt would carry.
type MemoryView struct {
	UserID            string         `json:"user_id"`
	State             State          `json:"state"`
	Profile           memory.Profile `json:"profile"`
	Turns             []memory.Turn  `json:"turns"`
	EmotionalPatterns map[string]int `json:"emotional_patterns"`
	Context           string         `json:"context"`
}

// Service keeps one Processor per user over a shared store. Calls for the
// same user are serialised; different users proceed independently. A
// processor stays cached while its user is pinned by Acquire; otherwise it is
// dropped as soon as the last call for that user returns.
type Service struct {
	store     memory.Store
	completer completion.Completer
	cfg       Config
	memOpts   memory.Options

	mu    sync.Mutex
	users map[string]*userSlot
}

type userSlot struct {
	mu   sync.Mutex
	refs int // calls in flight
	pins int // open sessions
	proc *Processor
}

func NewService(store memory.Store, completer completion.Completer, cfg Config, memOpts memory.Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("companion service requires a memory store")
	}
	if completer == nil {
		return nil, errors.New("companion service requires a completer")
	}
	if cfg.Persona.Locale == "" {
		cfg.Persona = Chinese()
	}
	if _, err := cfg.Persona.compile(); err != nil {
		return nil, err
	}
	if memOpts.Labels == (memory.ContextLabels{}) {
		memOpts.Labels = cfg.Persona.ContextLabels
	}
	return &Service{
		store:     store,
		completer: completer,
		cfg:       cfg,
		memOpts:   memOpts,
		users:     make(map[string]*userSlot),
	}, nil
}

func (s *Service) Persona() Persona { return s.cfg.Persona }

// Greeting returns the session-opening line for userID and its current state.
func (s *Service) Greeting(ctx context.Context, userID string) (string, State, error) {
	var (
		text  string
		state State
	)
	err := s.withProcessor(ctx, userID, func(p *Processor) error {
		var err error
		text, err = p.Greeting()
		state = p.State()
		return err
	})
	return text, state, err
}

func (s *Service) Process(ctx context.Context, userID, text string) (Reply, error) {
	var reply Reply
	err := s.withProcessor(ctx, userID, func(p *Processor) error {
		var err error
		reply, err = p.Process(ctx, text)
		return err
	})
	return reply, err
}

func (s *Service) Memory(ctx context.Context, userID string) (MemoryView, error) {
	var view MemoryView
	err := s.withProcessor(ctx, userID, func(p *Processor) error {
		snap := p.Memory().Snapshot()
		view = MemoryView{
			UserID:            snap.UserID,
			State:             p.State(),
			Profile:           snap.Profile,
			Turns:             snap.Turns,
			EmotionalPatterns: snap.EmotionalPatterns,
			Context:           p.Memory().RenderContext(),
		}
		return nil
	})
	return view, err
}

// UpdateProfile overwrites name, age and interests. A name completes
// onboarding for any live session of the user.
func (s *Service) UpdateProfile(ctx context.Context, userID, name, age string, interests []string) error {
	return s.withProcessor(ctx, userID, func(p *Processor) error {
		return p.Memory().UpdateProfile(ctx, name, age, interests)
	})
}

func (s *Service) SetPreference(ctx context.Context, userID, key, value string) error {
	return s.withProcessor(ctx, userID, func(p *Processor) error {
		return p.Memory().SetPreference(ctx, key, value)
	})
}

// Acquire pins userID's processor in the cache until a matching Release.
func (s *Service) Acquire(userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotLocked(userID).pins++
}

// Release undoes one Acquire. The processor is dropped once no pins and no
// calls remain; state is reloaded from the store on next use.
func (s *Service) Release(userID string) {
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.users[userID]
	if !ok {
		return
	}
	if slot.pins > 0 {
		slot.pins--
	}
	s.evictLocked(userID, slot)
}

func (s *Service) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *Service) withProcessor(ctx context.Context, userID string, fn func(*Processor) error) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUser
	}

	s.mu.Lock()
	slot := s.slotLocked(userID)
	slot.refs++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		slot.refs--
		s.evictLocked(userID, slot)
		s.mu.Unlock()
	}()

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.proc == nil {
		mem, err := memory.Open(ctx, s.store, userID, s.memOpts)
		if err != nil {
			return err
		}
		proc, err := NewProcessor(mem, s.completer, s.cfg)
		if err != nil {
			return fmt.Errorf("build processor for %q: %w", userID, err)
		}
		slot.proc = proc
	}
	return fn(slot.proc)
}

func (s *Service) slotLocked(userID string) *userSlot {
	slot, ok := s.users[userID]
	if !ok {
		slot = &userSlot{}
		s.users[userID] = slot
	}
	return slot
}

func (s *Service) evictLocked(userID string, slot *userSlot) {
	if slot.refs == 0 && slot.pins == 0 && s.users[userID] == slot {
		delete(s.users, userID)
	}
}
