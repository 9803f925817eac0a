package flow

import (
	"regexp"
	"strings"
	"time"

	"github.com/capitalize-ai/chatflow/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([\w.\-]+)\s*\}\}`)

// Render replaces {{ name }} placeholders with scope values. Unknown names render empty.
func Render(tpl string, scope map[string]string) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return scope[name]
	})
}

// Scope merges variable layers; later layers override earlier ones.
func Scope(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Globals are the computed variables available to every template.
func Globals(conv *model.Conversation, now time.Time) map[string]string {
	g := map[string]string{
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04"),
		"datetime": now.Format("2006-01-02 15:04"),
		"greeting": greeting(now),
	}
	if conv == nil {
		return g
	}
	name := conv.Name
	if conv.IsGroup && conv.GroupTitle != nil {
		name = *conv.GroupTitle
	}
	g["name"] = name
	g["first_name"] = firstWord(name)
	g["phone"] = conv.Phone
	g["remote_id"] = conv.RemoteID
	g["conversation_id"] = conv.ID
	g["status"] = string(conv.Status)
	return g
}

func greeting(now time.Time) string {
	switch h := now.Hour(); {
	case h < 12:
		return "Good morning"
	case h < 18:
		return "Good afternoon"
	default:
		return "Good evening"
	}
}

func firstWord(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}
