package companion

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/ent0n29/xiaonuan/internal/emotion"
	"github.com/ent0n29/xiaonuan/internal/memory"
)

// Persona is the locale data of the companion: introduction markers, label
// vocabulary and every user-facing template. Nothing in the state machine
// depends on its contents.
type Persona struct {
	Locale string

	NameMarkers    []string
	Vocabulary     emotion.Vocabulary
	ClassifyPrompt string
	ContextLabels  memory.ContextLabels

	// Templates are text/template sources. Greeting and Acknowledge receive
	// .Name; ReplyPrompt receives .Context, .Emotion, .Text and .Name.
	FirstGreeting string
	Greeting      string
	Acknowledge   string
	AskName       string
	ReplyPrompt   string
	Apology       string

	// DefaultAddress is used in the reply prompt if the name is somehow empty.
	DefaultAddress string
}

func Chinese() Persona {
	return Persona{
		Locale:         "zh",
		NameMarkers:    []string{"我叫", "名字是"},
		Vocabulary:     emotion.ChineseVocabulary(),
		ClassifyPrompt: emotion.ChinesePrompt,
		ContextLabels:  memory.ChineseLabels(),
		FirstGreeting:  "👋 你好！我是你的心理辅导助手小暖。\n\n为了更好地帮助你，请问你希望我怎么称呼你？",
		Greeting:       "你好{{.Name}}！很高兴再次见到你。今天感觉怎么样？",
		Acknowledge:    "很高兴认识你，{{.Name}}！我会记住你的名字。今天有什么想聊的吗？",
		AskName:        "请问你希望我怎么称呼你呢？",
		ReplyPrompt: `{{.Context}}
用户当前情绪: {{.Emotion}}
用户说: "{{.Text}}"

你是一个温暖的心理辅导老师小暖。请：
1. 表达理解和共情
2. 根据情绪提供适当支持
3. 保持专业和温暖
4. 用{{.Name}}称呼用户

请用自然的中文回复。`,
		Apology:        "抱歉，我现在有点走神，没能好好回应你。我们稍后再聊好吗？",
		DefaultAddress: "朋友",
	}
}

func English() Persona {
	return Persona{
		Locale:         "en",
		NameMarkers:    []string{"My name is", "my name is", "I'm called"},
		Vocabulary:     emotion.EnglishVocabulary(),
		ClassifyPrompt: emotion.EnglishPrompt,
		ContextLabels:  memory.EnglishLabels(),
		FirstGreeting:  "👋 Hi! I'm Xiaonuan, your wellbeing companion.\n\nTo get to know you better, what would you like me to call you?",
		Greeting:       "Hi {{.Name}}! It's good to see you again. How are you feeling today?",
		Acknowledge:    "Nice to meet you, {{.Name}}! I'll remember your name. What would you like to talk about today?",
		AskName:        "What would you like me to call you?",
		ReplyPrompt: `{{.Context}}
Current user emotion: {{.Emotion}}
User said: "{{.Text}}"

You are Xiaonuan, a warm counselling companion. Please:
1. Show understanding and empathy
2. Offer support suited to the emotion
3. Stay professional and warm
4. Address the user as {{.Name}}

Reply in natural English.`,
		Apology:        "Sorry, I'm having trouble responding right now. Could we pick this up again in a moment?",
		DefaultAddress: "friend",
	}
}

// PersonaFor returns the preset for locale. Unknown locales are an error.
func PersonaFor(locale string) (Persona, error) {
	switch strings.ToLower(strings.TrimSpace(locale)) {
	case "", "zh", "zh-cn", "zh_cn":
		return Chinese(), nil
	case "en", "en-us", "en_us", "en-gb":
		return English(), nil
	default:
		return Persona{}, fmt.Errorf("unsupported persona locale %q", locale)
	}
}

type templates struct {
	firstGreeting *template.Template
	greeting      *template.Template
	acknowledge   *template.Template
	reply         *template.Template
}

func (p Persona) compile() (templates, error) {
	var (
		t   templates
		err error
	)
	parse := func(name, src string) *template.Template {
		if err != nil {
			return nil
		}
		var tmpl *template.Template
		tmpl, err = template.New(name).Parse(src)
		if err != nil {
			err = fmt.Errorf("parse %s template: %w", name, err)
		}
		return tmpl
	}
	t.firstGreeting = parse("first_greeting", p.FirstGreeting)
	t.greeting = parse("greeting", p.Greeting)
	t.acknowledge = parse("acknowledge", p.Acknowledge)
	t.reply = parse("reply", p.ReplyPrompt)
	return t, err
}

func execute(tmpl *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}
