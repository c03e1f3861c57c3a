package template

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	texttemplate "text/template"
	"text/template/parse"

	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"

	"go.uber.org/zap"
)

// Section names inside a compiled unit. One parse serves every section of
// a template; Render selects which one to produce.
const (
	SectionTitle   = "title"
	SectionMessage = "message"
	SectionHTML    = "html"
)

func actionSection(i int, field string) string {
	return fmt.Sprintf("action:%d:%s", i, field)
}

// Compiled is a parsed template unit ready to render. Escaping templates
// compile through html/template, the rest through text/template; both
// expose the same ExecuteTemplate surface.
type Compiled struct {
	TemplateID string
	Version    string

	// Variables holds the placeholder roots the sections reference.
	Variables []string

	actions []domain.ActionTemplate
	hasHTML bool
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// RenderedContent is the output of rendering every section of a template.
type RenderedContent struct {
	Title   string          `json:"title"`
	Message string          `json:"message"`
	HTML    string          `json:"html,omitempty"`
	Actions []domain.Action `json:"actions,omitempty"`
}

// ValidationReport is returned by Validate for admin tooling.
type ValidationReport struct {
	IsValid   bool     `json:"is_valid"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Variables []string `json:"variables,omitempty"`
}

type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Compile parses every section of a template into one renderable unit.
func (e *Engine) Compile(t *domain.Template) (*Compiled, error) {
	if t.TitleTemplate == "" && t.MessageTemplate == "" {
		return nil, fmt.Errorf("%w: template has no title or message", xerrors.ErrInvalidTemplate)
	}

	var b strings.Builder
	writeSection(&b, SectionTitle, t.TitleTemplate)
	writeSection(&b, SectionMessage, t.MessageTemplate)
	if t.HTMLTemplate != "" {
		writeSection(&b, SectionHTML, t.HTMLTemplate)
	}
	for i, a := range t.ActionTemplates {
		writeSection(&b, actionSection(i, "label"), a.Label)
		if a.URL != "" {
			writeSection(&b, actionSection(i, "url"), a.URL)
		}
	}

	funcs := filterFuncs(t.Render.AllowedHelpers)
	c := &Compiled{
		TemplateID: t.TemplateID,
		Version:    t.Version,
		actions:    t.ActionTemplates,
		hasHTML:    t.HTMLTemplate != "",
	}

	if t.Render.EscapeHTML {
		tpl, err := htmltemplate.New(t.TemplateID).Funcs(funcs).Parse(b.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrInvalidTemplate, err)
		}
		c.html = tpl
	} else {
		tpl, err := texttemplate.New(t.TemplateID).Funcs(funcs).Parse(b.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrInvalidTemplate, err)
		}
		c.text = tpl
	}

	sources := []string{t.TitleTemplate, t.MessageTemplate, t.HTMLTemplate}
	for _, a := range t.ActionTemplates {
		sources = append(sources, a.Label, a.URL)
	}
	vars, err := e.ExtractVariables(sources...)
	if err != nil {
		return nil, err
	}
	c.Variables = vars

	return c, nil
}

// Render produces one named section with the given data.
func (e *Engine) Render(c *Compiled, section string, data map[string]interface{}) (string, error) {
	// Referenced-but-unset roots become empty strings so a sparse context
	// renders cleanly instead of printing placeholder artifacts.
	filled := make(map[string]interface{}, len(data)+len(c.Variables))
	for k, v := range data {
		filled[k] = v
	}
	for _, name := range c.Variables {
		if _, ok := filled[name]; !ok {
			filled[name] = ""
		}
	}

	var buf bytes.Buffer
	var err error
	if c.html != nil {
		err = c.html.ExecuteTemplate(&buf, section, filled)
	} else {
		err = c.text.ExecuteTemplate(&buf, section, filled)
	}
	if err != nil {
		return "", fmt.Errorf("%w: section %s: %v", xerrors.ErrRenderFailed, section, err)
	}
	return buf.String(), nil
}

// RenderAll renders every section of the compiled unit.
func (e *Engine) RenderAll(c *Compiled, data map[string]interface{}) (*RenderedContent, error) {
	title, err := e.Render(c, SectionTitle, data)
	if err != nil {
		return nil, err
	}
	message, err := e.Render(c, SectionMessage, data)
	if err != nil {
		return nil, err
	}

	out := &RenderedContent{Title: title, Message: message}
	if c.hasHTML {
		html, err := e.Render(c, SectionHTML, data)
		if err != nil {
			return nil, err
		}
		out.HTML = html
	}

	for i, a := range c.actions {
		label, err := e.Render(c, actionSection(i, "label"), data)
		if err != nil {
			return nil, err
		}
		url := ""
		if a.URL != "" {
			if url, err = e.Render(c, actionSection(i, "url"), data); err != nil {
				return nil, err
			}
		}
		out.Actions = append(out.Actions, domain.Action{
			ID:    a.ID,
			Label: label,
			Type:  a.Type,
			URL:   url,
			Style: a.Style,
		})
	}

	return out, nil
}

// BuildContext layers provided variables over declared defaults and rejects
// a context missing required variables.
func BuildContext(t *domain.Template, provided map[string]interface{}) (map[string]interface{}, error) {
	ctx := make(map[string]interface{}, len(t.Variables)+len(provided))
	for _, v := range t.Variables {
		if v.Default != nil {
			ctx[v.Name] = v.Default
		}
	}
	for k, v := range provided {
		ctx[k] = v
	}

	var missing []string
	for _, v := range t.Variables {
		if !v.Required {
			continue
		}
		if _, ok := ctx[v.Name]; !ok {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", xerrors.ErrMissingVariable, strings.Join(missing, ", "))
	}

	return ctx, nil
}

// Validate checks template sources for syntax errors and reports the
// variables they bind. Warnings flag suspicious but renderable input.
func (e *Engine) Validate(title, message string, actions []domain.ActionTemplate) *ValidationReport {
	report := &ValidationReport{IsValid: true}

	if strings.TrimSpace(title) == "" {
		report.Errors = append(report.Errors, "title template is required")
	}
	if strings.TrimSpace(message) == "" {
		report.Errors = append(report.Errors, "message template is required")
	}

	check := func(name, src string) {
		if src == "" {
			return
		}
		if _, err := texttemplate.New(name).Funcs(baseFuncs()).Parse(src); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
		}
	}
	check("title", title)
	check("message", message)

	sources := []string{title, message}
	for i, a := range actions {
		if strings.TrimSpace(a.Label) == "" {
			report.Warnings = append(report.Warnings, fmt.Sprintf("action %d has an empty label", i))
		}
		check(fmt.Sprintf("action %d label", i), a.Label)
		check(fmt.Sprintf("action %d url", i), a.URL)
		sources = append(sources, a.Label, a.URL)
	}

	if len(title) > 120 {
		report.Warnings = append(report.Warnings, "title template is longer than 120 characters")
	}

	if vars, err := e.ExtractVariables(sources...); err == nil {
		report.Variables = vars
	}

	report.IsValid = len(report.Errors) == 0
	return report
}

// ExtractVariables walks the parse trees of the given sources and collects
// the data-binding roots, excluding helper names and block markers.
func (e *Engine) ExtractVariables(sources ...string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, src := range sources {
		if src == "" {
			continue
		}
		tpl, err := texttemplate.New("extract").Funcs(baseFuncs()).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrInvalidTemplate, err)
		}
		collectVars(tpl.Tree.Root, seen)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func collectVars(node parse.Node, seen map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			collectVars(c, seen)
		}
	case *parse.ActionNode:
		collectPipe(n.Pipe, seen)
	case *parse.IfNode:
		collectPipe(n.Pipe, seen)
		collectVars(n.List, seen)
		if n.ElseList != nil {
			collectVars(n.ElseList, seen)
		}
	case *parse.RangeNode:
		collectPipe(n.Pipe, seen)
		collectVars(n.List, seen)
		if n.ElseList != nil {
			collectVars(n.ElseList, seen)
		}
	case *parse.WithNode:
		collectPipe(n.Pipe, seen)
		collectVars(n.List, seen)
		if n.ElseList != nil {
			collectVars(n.ElseList, seen)
		}
	case *parse.TemplateNode:
		collectPipe(n.Pipe, seen)
	}
}

func collectPipe(pipe *parse.PipeNode, seen map[string]struct{}) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			switch a := arg.(type) {
			case *parse.FieldNode:
				if len(a.Ident) > 0 {
					seen[a.Ident[0]] = struct{}{}
				}
			case *parse.ChainNode:
				if f, ok := a.Node.(*parse.FieldNode); ok && len(f.Ident) > 0 {
					seen[f.Ident[0]] = struct{}{}
				}
			case *parse.PipeNode:
				collectPipe(a, seen)
			}
		}
	}
}

func writeSection(b *strings.Builder, name, src string) {
	b.WriteString(`{{define "`)
	b.WriteString(name)
	b.WriteString(`"}}`)
	b.WriteString(src)
	b.WriteString(`{{end}}`)
}
