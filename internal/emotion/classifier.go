package emotion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/ent0n29/xiaonuan/internal/completion"
)

const (
	ChinesePrompt = "分析这句话的情绪：\"{{.Text}}\"\n从[{{.Labels}}]中选择。\n只回复情绪单词。"
	EnglishPrompt = "Classify the emotion of this sentence: \"{{.Text}}\"\nChoose one of [{{.Labels}}].\nReply with the emotion word only."
)

const DefaultTimeout = 30 * time.Second

// Result explains a classification. Degraded is set whenever the label came
// from the neutral fallback instead of the model's answer.
type Result struct {
	Emotion  Emotion
	Raw      string
	Degraded bool
	Reason   string
}

type ClassifierConfig struct {
	Model      string
	Vocabulary Vocabulary
	// Prompt is a text/template receiving .Text and .Labels.
	Prompt  string
	Timeout time.Duration
	Stream  bool
}

// Classifier maps an utterance onto the closed emotion set using a
// completion service. It never fails; every problem degrades to Neutral.
type Classifier struct {
	completer completion.Completer
	model     string
	vocab     Vocabulary
	prompt    *template.Template
	timeout   time.Duration
	stream    bool
}

func NewClassifier(c completion.Completer, cfg ClassifierConfig) (*Classifier, error) {
	if c == nil {
		return nil, errors.New("emotion classifier requires a completer")
	}
	src := cfg.Prompt
	if strings.TrimSpace(src) == "" {
		src = ChinesePrompt
	}
	tmpl, err := template.New("classify").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse classification prompt: %w", err)
	}
	vocab := cfg.Vocabulary
	if vocab.words == nil {
		vocab = ChineseVocabulary()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Classifier{
		completer: c,
		model:     cfg.Model,
		vocab:     vocab,
		prompt:    tmpl,
		timeout:   timeout,
		stream:    cfg.Stream,
	}, nil
}

func (c *Classifier) Vocabulary() Vocabulary { return c.vocab }

// Classify returns the emotion of text, or Neutral.
func (c *Classifier) Classify(ctx context.Context, text string) Emotion {
	return c.Evaluate(ctx, text).Emotion
}

func (c *Classifier) Evaluate(ctx context.Context, text string) Result {
	prompt, err := c.Prompt(text)
	if err != nil {
		return Result{Emotion: Neutral, Degraded: true, Reason: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.completer.Complete(callCtx, completion.Request{
		Model:  c.model,
		Prompt: prompt,
		Stream: c.stream,
	})
	if err != nil {
		return Result{Emotion: Neutral, Degraded: true, Reason: err.Error()}
	}

	raw := strings.TrimSpace(resp.Text)
	e, ok := c.vocab.Lookup(raw)
	if !ok {
		return Result{Emotion: Neutral, Raw: raw, Degraded: true, Reason: "label outside closed set"}
	}
	return Result{Emotion: e, Raw: raw}
}

// Prompt renders the classification prompt for text.
func (c *Classifier) Prompt(text string) (string, error) {
	var b strings.Builder
	err := c.prompt.Execute(&b, struct {
		Text   string
		Labels string
	}{
		Text:   text,
		Labels: strings.Join(c.vocab.Words(), ", "),
	})
	if err != nil {
		return "", fmt.Errorf("render classification prompt: %w", err)
	}
	return b.String(), nil
}
