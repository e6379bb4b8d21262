package subscription

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// PromptVars are the values substituted into a prompt template.
type PromptVars struct {
	Now           time.Time
	Location      *time.Location
	Name          string
	TriggerReason string
	Event         map[string]any
}

// RenderPrompt substitutes {{date}}, {{time}}, {{datetime}}, {{timestamp}},
// {{subscription_name}}, {{trigger_reason}} and {{event}}. Unknown
// placeholders are left untouched.
func RenderPrompt(tmpl string, v PromptVars) string {
	loc := v.Location
	if loc == nil {
		loc = time.UTC
	}
	now := v.Now.In(loc)
	event := ""
	if len(v.Event) > 0 {
		if b, err := json.Marshal(v.Event); err == nil {
			event = string(b)
		}
	}
	r := strings.NewReplacer(
		"{{date}}", now.Format("2006-01-02"),
		"{{time}}", now.Format("15:04"),
		"{{datetime}}", now.Format("2006-01-02 15:04:05"),
		"{{timestamp}}", strconv.FormatInt(now.Unix(), 10),
		"{{subscription_name}}", v.Name,
		"{{trigger_reason}}", v.TriggerReason,
		"{{event}}", event,
	)
	return r.Replace(tmpl)
}
