package memory

import (
	"fmt"
	"strings"
)

// ContextLabels are the field captions used by RenderContext.
type ContextLabels struct {
	Name        string
	Unknown     string
	Age         string
	Interests   string
	RecentTurns string
	User        string
	Assistant   string
}

func ChineseLabels() ContextLabels {
	return ContextLabels{
		Name:        "用户姓名",
		Unknown:     "未知",
		Age:         "年龄",
		Interests:   "兴趣",
		RecentTurns: "最近对话",
		User:        "用户",
		Assistant:   "助理",
	}
}

func EnglishLabels() ContextLabels {
	return ContextLabels{
		Name:        "User name",
		Unknown:     "unknown",
		Age:         "Age",
		Interests:   "Interests",
		RecentTurns: "Recent conversation",
		User:        "User",
		Assistant:   "Assistant",
	}
}

// RenderContext formats the profile and the most recent turns as the context
// block embedded in reply prompts.
func (m *Manager) RenderContext() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return renderContext(m.state, m.opts.Labels, m.opts.ContextTurns)
}

func renderContext(s State, l ContextLabels, window int) string {
	var b strings.Builder

	name := s.Profile.Name
	if name == "" {
		name = l.Unknown
	}
	fmt.Fprintf(&b, "%s: %s\n", l.Name, name)
	if s.Profile.Age != "" {
		fmt.Fprintf(&b, "%s: %s\n", l.Age, s.Profile.Age)
	}
	if len(s.Profile.Interests) > 0 {
		fmt.Fprintf(&b, "%s: %s\n", l.Interests, strings.Join(s.Profile.Interests, ", "))
	}

	fmt.Fprintf(&b, "\n%s:\n", l.RecentTurns)
	recent := s.Turns
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	for _, t := range recent {
		fmt.Fprintf(&b, "%s: %s\n", l.User, t.UserInput)
		fmt.Fprintf(&b, "%s: %s\n", l.Assistant, t.AIResponse)
	}
	return b.String()
}
