package companion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/xiaonuan/internal/completion"
	"github.com/ent0n29/xiaonuan/internal/emotion"
	"github.com/ent0n29/xiaonuan/internal/memory"
)

// fakeService answers classification prompts with label and everything else
// with reply. A nil error with block set waits for the context to expire.
type fakeService struct {
	mu sync.Mutex

	label       string
	labelErr    error
	reply       string
	replyErr    error
	blockReply  bool
	classifyN   int
	generateN   int
	lastPrompt  string
	lastRequest completion.Request
}

func (f *fakeService) Complete(ctx context.Context, req completion.Request) (completion.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.Contains(req.Prompt, "分析这句话的情绪") || strings.Contains(req.Prompt, "Classify the emotion") {
		f.classifyN++
		return completion.Response{Text: f.label}, f.labelErr
	}
	f.generateN++
	f.lastPrompt = req.Prompt
	f.lastRequest = req
	if f.blockReply {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return completion.Response{}, ctx.Err()
	}
	return completion.Response{Text: f.reply}, f.replyErr
}

type saveFailingStore struct {
	memory.Store
	fail bool
}

func (s *saveFailingStore) Save(ctx context.Context, userID string, st memory.State) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, userID, st)
}

func newProcessor(t *testing.T, store memory.Store, userID string, fake completion.Completer, cfg Config) *Processor {
	t.Helper()
	if cfg.Persona.Locale == "" {
		cfg.Persona = English()
	}
	mem, err := memory.Open(context.Background(), store, userID, memory.Options{Labels: cfg.Persona.ContextLabels})
	if err != nil {
		t.Fatalf("memory.Open() error = %v", err)
	}
	p, err := NewProcessor(mem, fake, cfg)
	if err != nil {
		t.Fatalf("NewProcessor() error = %v", err)
	}
	return p
}

func namedStore(t *testing.T, userID, name string) memory.Store {
	t.Helper()
	store := memory.NewInMemoryStore()
	st := memory.NewState(userID)
	st.Profile.Name = name
	if err := store.Save(context.Background(), userID, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return store
}

func TestOnboardingRecordsName(t *testing.T) {
	fake := &fakeService{}
	store := memory.NewInMemoryStore()
	p := newProcessor(t, store, "u1", fake, Config{})

	if p.State() != AwaitingName {
		t.Fatalf("State() = %q, want %q", p.State(), AwaitingName)
	}
	reply, err := p.Process(context.Background(), "My name is Alex")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.State != Active || p.State() != Active {
		t.Fatalf("state = %q / %q, want active", reply.State, p.State())
	}
	if !strings.Contains(reply.Text, "Alex") {
		t.Fatalf("reply = %q, want acknowledgment with name", reply.Text)
	}
	if reply.Text != "Nice to meet you, Alex! I'll remember your name. What would you like to talk about today?" {
		t.Fatalf("reply = %q", reply.Text)
	}
	if p.Memory().Profile().Name != "Alex" {
		t.Fatalf("profile name = %q, want Alex", p.Memory().Profile().Name)
	}
	if len(p.Memory().Turns()) != 0 {
		t.Fatalf("onboarding should not be logged, turns = %d", len(p.Memory().Turns()))
	}
	if fake.classifyN+fake.generateN != 0 {
		t.Fatalf("completion called during onboarding")
	}

	st, found, err := store.Load(context.Background(), "u1")
	if err != nil || !found || st.Profile.Name != "Alex" {
		t.Fatalf("persisted = %+v found=%v err=%v", st.Profile, found, err)
	}
}

func TestOnboardingKeepsAgeAndInterests(t *testing.T) {
	store := memory.NewInMemoryStore()
	st := memory.NewState("u1")
	st.Profile.Age = "27"
	st.Profile.Interests = []string{"hiking"}
	if err := store.Save(context.Background(), "u1", st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	p := newProcessor(t, store, "u1", &fakeService{}, Config{})
	if _, err := p.Process(context.Background(), "I'm called Sam"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	prof := p.Memory().Profile()
	if prof.Name != "Sam" || prof.Age != "27" || len(prof.Interests) != 1 {
		t.Fatalf("profile = %+v", prof)
	}
}

func TestOnboardingRepromptsWithoutName(t *testing.T) {
	fake := &fakeService{}
	p := newProcessor(t, memory.NewInMemoryStore(), "u1", fake, Config{})

	for _, text := range []string{"hello", "MY NAME IS Alex", "my name is   "} {
		reply, err := p.Process(context.Background(), text)
		if err != nil {
			t.Fatalf("Process(%q) error = %v", text, err)
		}
		if reply.State != AwaitingName || reply.Emotion != emotion.Neutral {
			t.Fatalf("Process(%q) = %+v, want awaiting name / neutral", text, reply)
		}
		if reply.Text != English().AskName {
			t.Fatalf("Process(%q) text = %q, want re-prompt", text, reply.Text)
		}
	}
	if fake.classifyN+fake.generateN != 0 {
		t.Fatalf("completion called while awaiting name")
	}
	if len(p.Memory().Turns()) != 0 {
		t.Fatalf("re-prompts should not be logged")
	}
}

func TestActiveTurnClassifiesGeneratesAndRecords(t *testing.T) {
	fake := &fakeService{label: "sad", reply: "I'm here with you, Alex."}
	p := newProcessor(t, namedStore(t, "u1", "Alex"), "u1", fake, Config{Model: "qwen2:0.5b"})

	if p.State() != Active {
		t.Fatalf("State() = %q, want active for a named profile", p.State())
	}
	reply, err := p.Process(context.Background(), "I failed my exam")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Text != "I'm here with you, Alex." || reply.Emotion != emotion.Sad || reply.Degraded {
		t.Fatalf("reply = %+v", reply)
	}
	if fake.lastRequest.Model != "qwen2:0.5b" || fake.lastRequest.Stream {
		t.Fatalf("request = %+v", fake.lastRequest)
	}
	for _, want := range []string{
		"User name: Alex\n",
		"Current user emotion: sad\n",
		`User said: "I failed my exam"`,
		"Address the user as Alex",
	} {
		if !strings.Contains(fake.lastPrompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, fake.lastPrompt)
		}
	}

	turns := p.Memory().Turns()
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}
	if turns[0].UserInput != "I failed my exam" || turns[0].AIResponse != reply.Text || turns[0].Emotion != "sad" {
		t.Fatalf("turn = %+v", turns[0])
	}
}

func TestGenerationTimeoutFallsBackToApology(t *testing.T) {
	fake := &fakeService{label: "anxious", blockReply: true}
	p := newProcessor(t, namedStore(t, "u1", "Alex"), "u1", fake, Config{GenerateTimeout: 30 * time.Millisecond})

	reply, err := p.Process(context.Background(), "I can't sleep")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Text != English().Apology || reply.Emotion != emotion.Anxious || !reply.Degraded {
		t.Fatalf("reply = %+v, want apology with anxious", reply)
	}
	turns := p.Memory().Turns()
	if len(turns) != 1 || turns[0].AIResponse != English().Apology || turns[0].Emotion != "anxious" {
		t.Fatalf("turns = %+v, want apology recorded", turns)
	}
}

func TestEmptyGenerateBodyFallsBackToApology(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	adapter := completion.NewGenerateAdapter(srv.URL, time.Second)
	p := newProcessor(t, namedStore(t, "u1", "小明"), "u1", adapter, Config{Persona: Chinese()})

	reply, err := p.Process(context.Background(), "今天好累")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Text != Chinese().Apology || !reply.Degraded || reply.Emotion != emotion.Neutral {
		t.Fatalf("reply = %+v, want apology", reply)
	}
	turns := p.Memory().Turns()
	if len(turns) != 1 || turns[0].AIResponse != Chinese().Apology {
		t.Fatalf("turns = %+v, want apology recorded", turns)
	}
}

func TestBlankReplyFromCompleterFallsBackToApology(t *testing.T) {
	fake := &fakeService{label: "calm", reply: "   "}
	p := newProcessor(t, namedStore(t, "u1", "Alex"), "u1", fake, Config{})

	reply, err := p.Process(context.Background(), "quiet evening")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Text != English().Apology || reply.Emotion != emotion.Calm || !reply.Degraded {
		t.Fatalf("reply = %+v, want apology with calm", reply)
	}
}

func TestCancelledTurnIsNotRecorded(t *testing.T) {
	fake := &fakeService{label: "calm", blockReply: true}
	p := newProcessor(t, namedStore(t, "u1", "Alex"), "u1", fake, Config{GenerateTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	if _, err := p.Process(ctx, "are you there?"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Process() error = %v, want context.Canceled", err)
	}
	if turns := p.Memory().Turns(); len(turns) != 0 {
		t.Fatalf("turns = %+v, want none for an abandoned turn", turns)
	}
}

func TestTotalOutageStillRecordsNeutralTurn(t *testing.T) {
	fake := &fakeService{labelErr: completion.ErrUnavailable, replyErr: completion.ErrUnavailable}
	p := newProcessor(t, namedStore(t, "u1", "Alex"), "u1", fake, Config{})

	reply, err := p.Process(context.Background(), "hello?")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Emotion != emotion.Neutral || reply.Text != English().Apology {
		t.Fatalf("reply = %+v", reply)
	}
	if turns := p.Memory().Turns(); len(turns) != 1 || turns[0].Emotion != "neutral" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestOutOfSetLabelIsNeutral(t *testing.T) {
	fake := &fakeService{label: "melancholy", reply: "ok"}
	p := newProcessor(t, namedStore(t, "u1", "Alex"), "u1", fake, Config{})
	reply, err := p.Process(context.Background(), "meh")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Emotion != emotion.Neutral || !reply.Degraded || reply.Text != "ok" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestNamedUserNeverReturnsToOnboarding(t *testing.T) {
	fake := &fakeService{label: "happy", reply: "Lovely."}
	p := newProcessor(t, memory.NewInMemoryStore(), "u1", fake, Config{})

	if _, err := p.Process(context.Background(), "My name is Alex"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	reply, err := p.Process(context.Background(), "My name is Bob")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.State != Active || reply.Text != "Lovely." {
		t.Fatalf("reply = %+v, want a normal turn", reply)
	}
	if got := p.Memory().Profile().Name; got != "Alex" {
		t.Fatalf("name = %q, want Alex", got)
	}
	if len(p.Memory().Turns()) != 1 {
		t.Fatalf("second introduction should be logged as a turn")
	}
}

func TestPersistenceFailureIsReturned(t *testing.T) {
	store := &saveFailingStore{Store: namedStore(t, "u1", "Alex")}
	fake := &fakeService{label: "calm", reply: "ok"}
	p := newProcessor(t, store, "u1", fake, Config{})

	store.fail = true
	if _, err := p.Process(context.Background(), "hi"); err == nil {
		t.Fatalf("Process() expected error on save failure")
	}
	if len(p.Memory().Turns()) != 0 {
		t.Fatalf("failed turn must not be visible")
	}

	onboarding := &saveFailingStore{Store: memory.NewInMemoryStore()}
	p = newProcessor(t, onboarding, "u2", fake, Config{})
	onboarding.fail = true
	if _, err := p.Process(context.Background(), "My name is Alex"); err == nil {
		t.Fatalf("Process() expected error when the name cannot be saved")
	}
	if p.State() != AwaitingName {
		t.Fatalf("State() = %q, want awaiting name after failed save", p.State())
	}
}

func TestRedactionAppliesToStoredTurn(t *testing.T) {
	fake := &fakeService{label: "calm", reply: "Got it."}
	p := newProcessor(t, namedStore(t, "u1", "Alex"), "u1", fake, Config{RedactPII: true})

	if _, err := p.Process(context.Background(), "write to alex@example.com"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	turn := p.Memory().Turns()[0]
	if strings.Contains(turn.UserInput, "alex@example.com") || !turn.PIIRedacted {
		t.Fatalf("turn = %+v, want redacted input", turn)
	}
}

func TestChineseFlow(t *testing.T) {
	fake := &fakeService{label: "悲伤", reply: "小明，我在这里陪着你。"}
	p := newProcessor(t, memory.NewInMemoryStore(), "u1", fake, Config{Persona: Chinese()})

	greeting, err := p.Greeting()
	if err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	if greeting != Chinese().FirstGreeting {
		t.Fatalf("Greeting() = %q", greeting)
	}

	reply, err := p.Process(context.Background(), "你好，我叫小明")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Text != "很高兴认识你，小明！我会记住你的名字。今天有什么想聊的吗？" || reply.Emotion != emotion.Happy {
		t.Fatalf("reply = %+v", reply)
	}

	reply, err = p.Process(context.Background(), "今天有点难过")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Emotion != emotion.Sad {
		t.Fatalf("emotion = %q, want sad", reply.Emotion)
	}
	wantPrompt := "用户姓名: 小明\n\n最近对话:\n\n用户当前情绪: 悲伤\n用户说: \"今天有点难过\"\n\n你是一个温暖的心理辅导老师小暖。请：\n1. 表达理解和共情\n2. 根据情绪提供适当支持\n3. 保持专业和温暖\n4. 用小明称呼用户\n\n请用自然的中文回复。"
	if fake.lastPrompt != wantPrompt {
		t.Fatalf("prompt = %q, want %q", fake.lastPrompt, wantPrompt)
	}

	greeting, err = p.Greeting()
	if err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	if greeting != "你好小明！很高兴再次见到你。今天感觉怎么样？" {
		t.Fatalf("Greeting() = %q", greeting)
	}
}

func TestPersonaFor(t *testing.T) {
	for _, locale := range []string{"", "zh", "ZH-CN"} {
		p, err := PersonaFor(locale)
		if err != nil || p.Locale != "zh" {
			t.Fatalf("PersonaFor(%q) = %q, %v", locale, p.Locale, err)
		}
	}
	if p, err := PersonaFor("en"); err != nil || p.Locale != "en" {
		t.Fatalf("PersonaFor(en) = %q, %v", p.Locale, err)
	}
	if _, err := PersonaFor("fr"); err == nil {
		t.Fatalf("PersonaFor(fr) expected error")
	}
}
