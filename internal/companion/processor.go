package companion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/xiaonuan/internal/completion"
	"github.com/ent0n29/xiaonuan/internal/emotion"
	"github.com/ent0n29/xiaonuan/internal/memory"
	"github.com/ent0n29/xiaonuan/internal/observability"
	"github.com/ent0n29/xiaonuan/internal/policy"
)

type State string

const (
	AwaitingName State = "awaiting_name"
	Active       State = "active"
)

const (
	DefaultModel           = "qwen2:0.5b"
	DefaultGenerateTimeout = 60 * time.Second
)

// Reply is the outcome of one utterance. Degraded reports that a fallback
// (neutral emotion or the apology) replaced a completion.
type Reply struct {
	Text     string          `json:"reply"`
	Emotion  emotion.Emotion `json:"emotion"`
	State    State           `json:"state"`
	Degraded bool            `json:"degraded,omitempty"`
}

type Config struct {
	Persona         Persona
	Model           string
	Stream          bool
	ClassifyTimeout time.Duration
	GenerateTimeout time.Duration
	// RedactPII masks emails, phone and card numbers before a turn is stored.
	RedactPII bool
	Metrics   *observability.Metrics
}

// Processor drives one user's conversation. It is not safe for concurrent
// use; Service serialises turns per user.
type Processor struct {
	mem        *memory.Manager
	completer  completion.Completer
	classifier *emotion.Classifier
	persona    Persona
	names      NameExtractor
	tmpl       templates

	model           string
	stream          bool
	generateTimeout time.Duration
	redact          bool
	metrics         *observability.Metrics

	state State
}

func NewProcessor(mem *memory.Manager, c completion.Completer, cfg Config) (*Processor, error) {
	if mem == nil {
		return nil, errors.New("processor requires a memory manager")
	}
	if c == nil {
		return nil, errors.New("processor requires a completer")
	}
	persona := cfg.Persona
	if persona.Locale == "" {
		persona = Chinese()
	}
	tmpl, err := persona.compile()
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	classifier, err := emotion.NewClassifier(c, emotion.ClassifierConfig{
		Model:      model,
		Vocabulary: persona.Vocabulary,
		Prompt:     persona.ClassifyPrompt,
		Timeout:    cfg.ClassifyTimeout,
		Stream:     cfg.Stream,
	})
	if err != nil {
		return nil, err
	}
	generateTimeout := cfg.GenerateTimeout
	if generateTimeout <= 0 {
		generateTimeout = DefaultGenerateTimeout
	}

	p := &Processor{
		mem:             mem,
		completer:       c,
		classifier:      classifier,
		persona:         persona,
		names:           NewNameExtractor(persona.NameMarkers...),
		tmpl:            tmpl,
		model:           model,
		stream:          cfg.Stream,
		generateTimeout: generateTimeout,
		redact:          cfg.RedactPII,
		metrics:         cfg.Metrics,
		state:           AwaitingName,
	}
	p.syncState()
	return p, nil
}

func (p *Processor) Memory() *memory.Manager { return p.mem }

func (p *Processor) State() State {
	p.syncState()
	return p.state
}

// syncState moves to Active once a name exists. It never moves back.
func (p *Processor) syncState() {
	if p.state == AwaitingName && p.mem.Profile().Name != "" {
		p.state = Active
	}
}

// Greeting opens a session: a welcome that asks for a name, or a welcome back.
func (p *Processor) Greeting() (string, error) {
	if p.State() == Active {
		return execute(p.tmpl.greeting, struct{ Name string }{p.mem.Profile().Name})
	}
	return execute(p.tmpl.firstGreeting, nil)
}

// Process handles one utterance. Completion failures degrade to fallbacks;
// only persistence and template errors are returned.
func (p *Processor) Process(ctx context.Context, text string) (Reply, error) {
	if p.State() == AwaitingName {
		reply, err := p.onboard(ctx, text)
		if err != nil {
			p.metrics.ObserveTurn(string(AwaitingName), "error")
			return Reply{}, err
		}
		outcome := "reprompt"
		if reply.State == Active {
			outcome = "named"
		}
		p.metrics.ObserveTurn(string(AwaitingName), outcome)
		return reply, nil
	}

	reply, err := p.converse(ctx, text)
	switch {
	case err != nil:
		p.metrics.ObserveTurn(string(Active), "error")
	case reply.Degraded:
		p.metrics.ObserveTurn(string(Active), "degraded")
	default:
		p.metrics.ObserveTurn(string(Active), "ok")
	}
	return reply, err
}

func (p *Processor) onboard(ctx context.Context, text string) (Reply, error) {
	name, ok := p.names.Extract(text)
	if !ok {
		return Reply{Text: p.persona.AskName, Emotion: emotion.Neutral, State: AwaitingName}, nil
	}

	prof := p.mem.Profile()
	if err := p.mem.UpdateProfile(ctx, name, prof.Age, prof.Interests); err != nil {
		return Reply{}, fmt.Errorf("record name: %w", err)
	}
	p.state = Active

	ack, err := execute(p.tmpl.acknowledge, struct{ Name string }{name})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: ack, Emotion: emotion.Happy, State: Active}, nil
}

func (p *Processor) converse(ctx context.Context, text string) (Reply, error) {
	turnStart := time.Now()

	stageStart := time.Now()
	classified := p.classifier.Evaluate(ctx, text)
	p.metrics.ObserveTurnStage(observability.StageClassify, time.Since(stageStart))
	p.metrics.ObserveEmotion(string(classified.Emotion), classified.Degraded)
	if classified.Degraded {
		p.metrics.ObserveTurnIndicator("emotion_fallback")
		log.Printf("emotion classification fell back to neutral user=%s: %s", p.mem.UserID(), classified.Reason)
	}

	stageStart = time.Now()
	prompt, err := p.replyPrompt(text, classified.Emotion)
	p.metrics.ObserveTurnStage(observability.StageContext, time.Since(stageStart))
	if err != nil {
		return Reply{}, err
	}

	stageStart = time.Now()
	response, genErr := p.generate(ctx, prompt)
	p.metrics.ObserveTurnStage(observability.StageGenerate, time.Since(stageStart))
	p.metrics.ObserveCompletion("generate", time.Since(stageStart), genErr)
	if genErr != nil {
		p.metrics.ObserveTurnIndicator("generation_fallback")
		log.Printf("reply generation failed user=%s: %v", p.mem.UserID(), genErr)
		response = p.persona.Apology
	}
	// A caller that went away abandons the turn instead of storing an apology.
	if err := ctx.Err(); err != nil {
		return Reply{}, fmt.Errorf("turn abandoned: %w", err)
	}

	stageStart = time.Now()
	turn := memory.Turn{
		UserInput:  text,
		AIResponse: response,
		Emotion:    string(classified.Emotion),
	}
	if p.redact {
		var inChanged, outChanged bool
		turn.UserInput, inChanged = policy.RedactPII(turn.UserInput)
		turn.AIResponse, outChanged = policy.RedactPII(turn.AIResponse)
		turn.PIIRedacted = inChanged || outChanged
	}
	if _, err := p.mem.AppendTurn(ctx, turn); err != nil {
		return Reply{}, fmt.Errorf("record turn: %w", err)
	}
	p.metrics.ObserveTurnStage(observability.StagePersist, time.Since(stageStart))
	p.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(turnStart))

	return Reply{
		Text:     response,
		Emotion:  classified.Emotion,
		State:    Active,
		Degraded: classified.Degraded || genErr != nil,
	}, nil
}

// ReplyPrompt renders the generation prompt for text under e, exactly as
// Process would send it.
func (p *Processor) ReplyPrompt(text string, e emotion.Emotion) (string, error) {
	return p.replyPrompt(text, e)
}

func (p *Processor) replyPrompt(text string, e emotion.Emotion) (string, error) {
	name := p.mem.Profile().Name
	if name == "" {
		name = p.persona.DefaultAddress
	}
	return execute(p.tmpl.reply, struct {
		Context string
		Emotion string
		Text    string
		Name    string
	}{
		Context: p.mem.RenderContext(),
		Emotion: p.persona.Vocabulary.Word(e),
		Text:    text,
		Name:    name,
	})
}

func (p *Processor) generate(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.generateTimeout)
	defer cancel()

	resp, err := p.completer.Complete(callCtx, completion.Request{
		Model:  p.model,
		Prompt: prompt,
		Stream: p.stream,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("%w: %w", completion.ErrUnavailable, completion.ErrEmptyCompletion)
	}
	return resp.Text, nil
}
