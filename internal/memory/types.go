package memory

import (
	"context"
	"errors"
	"time"
)

// DefaultHistoryLimit caps how many turns a user's log retains.
const DefaultHistoryLimit = 50

// DefaultContextTurns is how many recent turns RenderContext includes.
const DefaultContextTurns = 3

// ErrCorrupt reports persisted state that exists but cannot be decoded.
var ErrCorrupt = errors.New("memory: corrupted persisted state")

// Profile is the long-lived description of one user.
type Profile struct {
	Name        string            `json:"name"`
	Age         string            `json:"age"`
	Interests   []string          `json:"interests"`
	Preferences map[string]string `json:"preferences"`
	LastUpdated time.Time         `json:"last_updated"`
}

// Turn stores a single user/assistant exchange.
type Turn struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	UserInput   string    `json:"user_input"`
	AIResponse  string    `json:"ai_response"`
	Emotion     string    `json:"emotion,omitempty"`
	PIIRedacted bool      `json:"pii_redacted,omitempty"`
}

// State is the durable record kept per user.
type State struct {
	UserID            string         `json:"user_id"`
	Profile           Profile        `json:"basic_info"`
	Turns             []Turn         `json:"conversation_history"`
	EmotionalPatterns map[string]int `json:"emotional_patterns"`
}

// Store persists one State per user. Load reports found=false, with no error,
// when nothing has been saved for userID yet.
type Store interface {
	Load(ctx context.Context, userID string) (state State, found bool, err error)
	Save(ctx context.Context, userID string, state State) error
	Close() error
}

// NewState returns the empty state used for users with nothing persisted.
func NewState(userID string) State {
	s := State{UserID: userID}
	s.normalize()
	return s
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Profile.Interests = append([]string{}, s.Profile.Interests...)
	out.Profile.Preferences = make(map[string]string, len(s.Profile.Preferences))
	for k, v := range s.Profile.Preferences {
		out.Profile.Preferences[k] = v
	}
	out.Turns = append([]Turn{}, s.Turns...)
	out.EmotionalPatterns = make(map[string]int, len(s.EmotionalPatterns))
	for k, v := range s.EmotionalPatterns {
		out.EmotionalPatterns[k] = v
	}
	return out
}

// normalize replaces nil collections with empty ones and pins timestamps to UTC
// so a loaded state compares equal to the one that was saved.
func (s *State) normalize() {
	if s.Profile.Interests == nil {
		s.Profile.Interests = []string{}
	}
	if s.Profile.Preferences == nil {
		s.Profile.Preferences = map[string]string{}
	}
	if s.Turns == nil {
		s.Turns = []Turn{}
	}
	if s.EmotionalPatterns == nil {
		s.EmotionalPatterns = map[string]int{}
	}
	s.Profile.LastUpdated = utc(s.Profile.LastUpdated)
	for i := range s.Turns {
		s.Turns[i].Timestamp = utc(s.Turns[i].Timestamp)
	}
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
