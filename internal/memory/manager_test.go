package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
)

type failingStore struct {
	*InMemoryStore
	saveErr error
	loadErr error
}

func (s *failingStore) Load(ctx context.Context, userID string) (State, bool, error) {
	if s.loadErr != nil {
		return State{}, false, s.loadErr
	}
	return s.InMemoryStore.Load(ctx, userID)
}

func (s *failingStore) Save(ctx context.Context, userID string, state State) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.InMemoryStore.Save(ctx, userID, state)
}

func fixedClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(step)
		return t
	}
}

func openTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m, err := Open(context.Background(), store, "u1", Options{
		Now: fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), time.Second),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return m
}

func TestOpenMissingReturnsDefaults(t *testing.T) {
	m := openTestManager(t, NewInMemoryStore())

	p := m.Profile()
	if p.Name != "" || p.Age != "" {
		t.Fatalf("profile = %+v, want empty", p)
	}
	if p.Interests == nil || len(p.Interests) != 0 {
		t.Fatalf("Interests = %#v, want empty non-nil", p.Interests)
	}
	if p.Preferences == nil || len(p.Preferences) != 0 {
		t.Fatalf("Preferences = %#v, want empty non-nil", p.Preferences)
	}
	if got := m.Turns(); len(got) != 0 {
		t.Fatalf("len(Turns()) = %d, want 0", len(got))
	}
}

func TestOpenPropagatesLoadError(t *testing.T) {
	store := &failingStore{InMemoryStore: NewInMemoryStore(), loadErr: fmt.Errorf("%w: bad json", ErrCorrupt)}
	_, err := Open(context.Background(), store, "u1", Options{})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Open() error = %v, want ErrCorrupt", err)
	}
}

func TestOpenRequiresUserID(t *testing.T) {
	if _, err := Open(context.Background(), NewInMemoryStore(), "  ", Options{}); err == nil {
		t.Fatalf("Open() expected error for empty user id")
	}
}

func TestUpdateProfilePersists(t *testing.T) {
	store := NewInMemoryStore()
	m := openTestManager(t, store)

	if err := m.UpdateProfile(context.Background(), "Alex", "29", []string{"hiking", "jazz"}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}

	persisted, found, err := store.Load(context.Background(), "u1")
	if err != nil || !found {
		t.Fatalf("Load() = found %v, err %v", found, err)
	}
	if persisted.Profile.Name != "Alex" || persisted.Profile.Age != "29" {
		t.Fatalf("persisted profile = %+v", persisted.Profile)
	}
	if !reflect.DeepEqual(persisted.Profile.Interests, []string{"hiking", "jazz"}) {
		t.Fatalf("Interests = %v", persisted.Profile.Interests)
	}
	if persisted.Profile.LastUpdated.IsZero() {
		t.Fatalf("LastUpdated should be set")
	}

	if err := m.UpdateProfile(context.Background(), "Alex", "", nil); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	p := m.Profile()
	if p.Age != "" || len(p.Interests) != 0 {
		t.Fatalf("profile after overwrite = %+v, want age and interests cleared", p)
	}
}

func TestAppendTurnCapsAtHistoryLimit(t *testing.T) {
	m := openTestManager(t, NewInMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 55; i++ {
		before := len(m.Turns())
		if _, err := m.AppendTurn(ctx, Turn{
			UserInput:  fmt.Sprintf("in-%d", i),
			AIResponse: fmt.Sprintf("out-%d", i),
			Emotion:    "calm",
		}); err != nil {
			t.Fatalf("AppendTurn(%d) error = %v", i, err)
		}
		want := before + 1
		if want > DefaultHistoryLimit {
			want = DefaultHistoryLimit
		}
		if got := len(m.Turns()); got != want {
			t.Fatalf("after turn %d len = %d, want %d", i, got, want)
		}
	}

	turns := m.Turns()
	if turns[0].UserInput != "in-6" {
		t.Fatalf("turns[0].UserInput = %q, want %q", turns[0].UserInput, "in-6")
	}
	for i, turn := range turns {
		want := fmt.Sprintf("in-%d", i+6)
		if turn.UserInput != want {
			t.Fatalf("turns[%d].UserInput = %q, want %q", i, turn.UserInput, want)
		}
	}
	if got := m.Snapshot().EmotionalPatterns["calm"]; got != 55 {
		t.Fatalf("EmotionalPatterns[calm] = %d, want 55", got)
	}
}

func TestAppendTurnTimestampsNonDecreasing(t *testing.T) {
	store := NewInMemoryStore()
	times := []time.Time{
		time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), // clock stepped backwards
		time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC),
	}
	i := 0
	m, err := Open(context.Background(), store, "u1", Options{Now: func() time.Time {
		t := times[i]
		i++
		return t
	}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for range times {
		if _, err := m.AppendTurn(context.Background(), Turn{UserInput: "x", AIResponse: "y"}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}
	turns := m.Turns()
	for j := 1; j < len(turns); j++ {
		if turns[j].Timestamp.Before(turns[j-1].Timestamp) {
			t.Fatalf("turn %d timestamp %v before previous %v", j, turns[j].Timestamp, turns[j-1].Timestamp)
		}
	}
	if turns[0].ID == "" {
		t.Fatalf("turn ID should be assigned")
	}
}

func TestFailedSaveLeavesStateUnchanged(t *testing.T) {
	store := &failingStore{InMemoryStore: NewInMemoryStore()}
	m := openTestManager(t, store)
	ctx := context.Background()

	if _, err := m.AppendTurn(ctx, Turn{UserInput: "a", AIResponse: "b"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	store.saveErr = errors.New("disk full")
	if _, err := m.AppendTurn(ctx, Turn{UserInput: "c", AIResponse: "d"}); err == nil {
		t.Fatalf("AppendTurn() expected error")
	}
	if err := m.UpdateProfile(ctx, "Alex", "", nil); err == nil {
		t.Fatalf("UpdateProfile() expected error")
	}
	if got := len(m.Turns()); got != 1 {
		t.Fatalf("len(Turns()) = %d, want 1", got)
	}
	if m.Profile().Name != "" {
		t.Fatalf("Name = %q, want unchanged empty", m.Profile().Name)
	}
}

func TestSetPreference(t *testing.T) {
	m := openTestManager(t, NewInMemoryStore())
	if err := m.SetPreference(context.Background(), "tone", "gentle"); err != nil {
		t.Fatalf("SetPreference() error = %v", err)
	}
	if got := m.Profile().Preferences["tone"]; got != "gentle" {
		t.Fatalf("Preferences[tone] = %q, want %q", got, "gentle")
	}
	if err := m.SetPreference(context.Background(), " ", "x"); err == nil {
		t.Fatalf("SetPreference() expected error for empty key")
	}
}

func TestRenderContextUnknownName(t *testing.T) {
	m := openTestManager(t, NewInMemoryStore())
	got := m.RenderContext()
	want := "用户姓名: 未知\n\n最近对话:\n"
	if got != want {
		t.Fatalf("RenderContext() = %q, want %q", got, want)
	}
}

func TestRenderContextLastThreeTurns(t *testing.T) {
	m, err := Open(context.Background(), NewInMemoryStore(), "u1", Options{Labels: EnglishLabels()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx := context.Background()
	if err := m.UpdateProfile(ctx, "Alex", "29", []string{"hiking", "jazz"}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := m.AppendTurn(ctx, Turn{UserInput: fmt.Sprintf("q%d", i), AIResponse: fmt.Sprintf("a%d", i)}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	got := m.RenderContext()
	want := strings.Join([]string{
		"User name: Alex",
		"Age: 29",
		"Interests: hiking, jazz",
		"",
		"Recent conversation:",
		"User: q3",
		"Assistant: a3",
		"User: q4",
		"Assistant: a4",
		"User: q5",
		"Assistant: a5",
		"",
	}, "\n")
	if got != want {
		t.Fatalf("RenderContext() =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderContextFewerTurnsThanWindow(t *testing.T) {
	m := openTestManager(t, NewInMemoryStore())
	if _, err := m.AppendTurn(context.Background(), Turn{UserInput: "你好", AIResponse: "你好呀"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	got := m.RenderContext()
	if strings.Count(got, "用户: ") != 1 || !strings.HasSuffix(got, "用户: 你好\n助理: 你好呀\n") {
		t.Fatalf("RenderContext() = %q", got)
	}
}
