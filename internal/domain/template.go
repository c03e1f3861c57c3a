package domain

import "time"

type VariableKind string

const (
	VarString VariableKind = "string"
	VarNumber VariableKind = "number"
	VarBool   VariableKind = "boolean"
	VarDate   VariableKind = "date"
)

type TemplateVariable struct {
	Name        string       `json:"name"`
	Kind        VariableKind `json:"kind"`
	Required    bool         `json:"required"`
	Default     interface{}  `json:"default,omitempty"`
	Description string       `json:"description,omitempty"`
}

// ActionTemplate is an action whose fields may carry placeholders resolved
// at render time.
type ActionTemplate struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Style string `json:"style,omitempty"`
}

type RenderConfig struct {
	EscapeHTML     bool     `json:"escape_html"`
	AllowedHelpers []string `json:"allowed_helpers,omitempty"` // empty = all helpers
}

type TemplateUsage struct {
	TotalUsed   int64      `json:"total_used"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	AvgRenderMs float64    `json:"avg_render_ms"`
	SuccessRate float64    `json:"success_rate"`
}

// Template is a versioned notification text definition. A version bump
// inserts a new document; active versions are never mutated in place.
type Template struct {
	TemplateID      string             `json:"template_id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	Type            NotificationType   `json:"type"`
	ContentType     string             `json:"content_type"`
	Channels        []Channel          `json:"channels,omitempty"`
	DefaultPriority Priority           `json:"default_priority"`
	TitleTemplate   string             `json:"title_template"`
	MessageTemplate string             `json:"message_template"`
	HTMLTemplate    string             `json:"html_template,omitempty"`
	ActionTemplates []ActionTemplate   `json:"action_templates,omitempty"`
	Variables       []TemplateVariable `json:"variables,omitempty"`
	Render          RenderConfig       `json:"render"`
	IsActive        bool               `json:"is_active"`
	Version         string             `json:"version"`
	Usage           TemplateUsage      `json:"usage"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// RequiredVariables lists declared variables with no default that a render
// context must supply.
func (t *Template) RequiredVariables() []string {
	var out []string
	for _, v := range t.Variables {
		if v.Required && v.Default == nil {
			out = append(out, v.Name)
		}
	}
	return out
}
