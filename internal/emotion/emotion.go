package emotion

import "strings"

// Emotion is a canonical key from the closed label set.
type Emotion string

const (
	Happy    Emotion = "happy"
	Sad      Emotion = "sad"
	Angry    Emotion = "angry"
	Anxious  Emotion = "anxious"
	Stressed Emotion = "stressed"
	Calm     Emotion = "calm"
	Excited  Emotion = "excited"
	Lonely   Emotion = "lonely"
	Confused Emotion = "confused"
	Neutral  Emotion = "neutral"
)

// All lists the closed set in presentation order.
func All() []Emotion {
	return []Emotion{Happy, Sad, Angry, Anxious, Stressed, Calm, Excited, Lonely, Confused, Neutral}
}

// Parse maps a canonical key back to its Emotion.
func Parse(key string) (Emotion, bool) {
	e := Emotion(strings.TrimSpace(key))
	for _, known := range All() {
		if e == known {
			return e, true
		}
	}
	return "", false
}

// Vocabulary is the locale-specific word shown to the model and the user for
// each emotion. Lookups are exact; the model is asked to answer with one word.
type Vocabulary struct {
	words  map[Emotion]string
	lookup map[string]Emotion
}

// NewVocabulary builds a vocabulary. Every emotion must have a distinct,
// non-empty word; missing entries fall back to the canonical key.
func NewVocabulary(words map[Emotion]string) Vocabulary {
	v := Vocabulary{
		words:  make(map[Emotion]string, len(All())),
		lookup: make(map[string]Emotion, len(All())),
	}
	for _, e := range All() {
		w := strings.TrimSpace(words[e])
		if w == "" {
			w = string(e)
		}
		v.words[e] = w
		v.lookup[w] = e
	}
	return v
}

func ChineseVocabulary() Vocabulary {
	return NewVocabulary(map[Emotion]string{
		Happy:    "快乐",
		Sad:      "悲伤",
		Angry:    "愤怒",
		Anxious:  "焦虑",
		Stressed: "压力",
		Calm:     "平静",
		Excited:  "兴奋",
		Lonely:   "孤独",
		Confused: "困惑",
		Neutral:  "中性",
	})
}

func EnglishVocabulary() Vocabulary {
	return NewVocabulary(nil)
}

// Word returns the display word for e. Unknown keys are returned as-is.
func (v Vocabulary) Word(e Emotion) string {
	if w, ok := v.words[e]; ok {
		return w
	}
	return string(e)
}

// Lookup maps an exact display word to its emotion.
func (v Vocabulary) Lookup(word string) (Emotion, bool) {
	e, ok := v.lookup[word]
	return e, ok
}

// Words returns the display words in the order of All.
func (v Vocabulary) Words() []string {
	out := make([]string, 0, len(All()))
	for _, e := range All() {
		out = append(out, v.Word(e))
	}
	return out
}
