package companion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ent0n29/xiaonuan/internal/memory"
)

func newService(t *testing.T, store memory.Store, fake *fakeService) *Service {
	t.Helper()
	svc, err := NewService(store, fake, Config{Persona: English()}, memory.Options{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestServiceGreetingAndOnboarding(t *testing.T) {
	svc := newService(t, memory.NewInMemoryStore(), &fakeService{label: "calm", reply: "ok"})
	ctx := context.Background()

	greeting, state, err := svc.Greeting(ctx, "alex")
	if err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	if state != AwaitingName || greeting != English().FirstGreeting {
		t.Fatalf("Greeting() = %q, %q", greeting, state)
	}

	if _, err := svc.Process(ctx, "alex", "My name is Alex"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	greeting, state, err = svc.Greeting(ctx, "alex")
	if err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	if state != Active || greeting != "Hi Alex! It's good to see you again. How are you feeling today?" {
		t.Fatalf("Greeting() = %q, %q", greeting, state)
	}
}

func TestServiceProfileUpdateCompletesOnboarding(t *testing.T) {
	svc := newService(t, memory.NewInMemoryStore(), &fakeService{label: "calm", reply: "ok"})
	ctx := context.Background()

	if _, _, err := svc.Greeting(ctx, "u"); err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	if err := svc.UpdateProfile(ctx, "u", "Kim", "30", []string{"music", "tea"}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if err := svc.SetPreference(ctx, "u", "tone", "gentle"); err != nil {
		t.Fatalf("SetPreference() error = %v", err)
	}
	reply, err := svc.Process(ctx, "u", "hello")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.State != Active || reply.Text != "ok" {
		t.Fatalf("reply = %+v", reply)
	}

	view, err := svc.Memory(ctx, "u")
	if err != nil {
		t.Fatalf("Memory() error = %v", err)
	}
	if view.Profile.Name != "Kim" || view.Profile.Preferences["tone"] != "gentle" || len(view.Turns) != 1 {
		t.Fatalf("view = %+v", view)
	}
	if view.EmotionalPatterns["calm"] != 1 {
		t.Fatalf("patterns = %v", view.EmotionalPatterns)
	}
	want := "User name: Kim\nAge: 30\nInterests: music, tea\n\nRecent conversation:\nUser: hello\nAssistant: ok\n"
	if view.Context != want {
		t.Fatalf("Context = %q, want %q", view.Context, want)
	}
}

func TestServiceRejectsEmptyUser(t *testing.T) {
	svc := newService(t, memory.NewInMemoryStore(), &fakeService{})
	if _, err := svc.Process(context.Background(), "  ", "hi"); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("Process() error = %v, want ErrInvalidUser", err)
	}
}

func TestServiceCorruptedStateIsFatal(t *testing.T) {
	dir := t.TempDir()
	store, err := memory.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory_bad.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	svc := newService(t, store, &fakeService{})
	if _, err := svc.Process(context.Background(), "bad", "hi"); !errors.Is(err, memory.ErrCorrupt) {
		t.Fatalf("Process() error = %v, want ErrCorrupt", err)
	}
}

func TestServiceIsolatesConcurrentUsers(t *testing.T) {
	store, err := memory.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	svc := newService(t, store, &fakeService{label: "calm", reply: "ok"})
	ctx := context.Background()

	const users, turns = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, users*2)
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		if err := svc.UpdateProfile(ctx, userID, userID, "", nil); err != nil {
			t.Fatalf("UpdateProfile() error = %v", err)
		}
		// Two writers per user exercise the per-user serialisation.
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < turns; i++ {
					if _, err := svc.Process(ctx, userID, fmt.Sprintf("%s-%d-%d", userID, w, i)); err != nil {
						errs <- err
						return
					}
				}
			}(w)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Process() error = %v", err)
	}

	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		st, found, err := store.Load(ctx, userID)
		if err != nil || !found {
			t.Fatalf("Load(%s) found=%v err=%v", userID, found, err)
		}
		if len(st.Turns) != 2*turns {
			t.Fatalf("%s turns = %d, want %d", userID, len(st.Turns), 2*turns)
		}
		for _, turn := range st.Turns {
			if len(turn.UserInput) < len(userID) || turn.UserInput[:len(userID)] != userID {
				t.Fatalf("%s holds a turn from another user: %q", userID, turn.UserInput)
			}
		}
	}
}

func TestServiceReleaseReloadsFromStore(t *testing.T) {
	store := memory.NewInMemoryStore()
	svc := newService(t, store, &fakeService{label: "calm", reply: "ok"})
	ctx := context.Background()

	svc.Acquire("u")
	if _, err := svc.Process(ctx, "u", "My name is Lee"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if svc.Cached() != 1 {
		t.Fatalf("Cached() = %d, want 1", svc.Cached())
	}
	svc.Release("u")
	if svc.Cached() != 0 {
		t.Fatalf("Cached() after Release = %d, want 0", svc.Cached())
	}
	_, state, err := svc.Greeting(ctx, "u")
	if err != nil || state != Active {
		t.Fatalf("Greeting() state = %q err = %v, want active after reload", state, err)
	}
}

func TestServiceDropsUnpinnedProcessors(t *testing.T) {
	svc := newService(t, memory.NewInMemoryStore(), &fakeService{label: "calm", reply: "ok"})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		userID := fmt.Sprintf("visitor-%d", i)
		if _, err := svc.Memory(ctx, userID); err != nil {
			t.Fatalf("Memory(%s) error = %v", userID, err)
		}
		if err := svc.SetPreference(ctx, userID, "tone", "soft"); err != nil {
			t.Fatalf("SetPreference(%s) error = %v", userID, err)
		}
		if err := svc.UpdateProfile(ctx, userID, "V", "", nil); err != nil {
			t.Fatalf("UpdateProfile(%s) error = %v", userID, err)
		}
	}
	if svc.Cached() != 0 {
		t.Fatalf("Cached() = %d, want 0 after calls outside a session", svc.Cached())
	}

	view, err := svc.Memory(ctx, "visitor-7")
	if err != nil {
		t.Fatalf("Memory() error = %v", err)
	}
	if view.Profile.Name != "V" || view.Profile.Preferences["tone"] != "soft" {
		t.Fatalf("view = %+v, want state reloaded from store", view.Profile)
	}
}

func TestServicePinsSurviveCallsAndNestedSessions(t *testing.T) {
	svc := newService(t, memory.NewInMemoryStore(), &fakeService{label: "calm", reply: "ok"})
	ctx := context.Background()

	svc.Acquire("u")
	svc.Acquire("u")
	if _, err := svc.Memory(ctx, "u"); err != nil {
		t.Fatalf("Memory() error = %v", err)
	}
	svc.Release("u")
	if svc.Cached() != 1 {
		t.Fatalf("Cached() = %d, want 1 while a session is open", svc.Cached())
	}
	svc.Release("u")
	svc.Release("u") // unmatched release is ignored
	if svc.Cached() != 0 {
		t.Fatalf("Cached() = %d, want 0", svc.Cached())
	}
	svc.Acquire("  ")
	if svc.Cached() != 0 {
		t.Fatalf("Cached() = %d, blank user must not pin", svc.Cached())
	}
}
