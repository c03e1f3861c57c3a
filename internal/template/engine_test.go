package template

import (
	"testing"
	"time"

	"notification-service/internal/domain"
	"notification-service/pkg/xerrors"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func orderTemplate() *domain.Template {
	return &domain.Template{
		TemplateID:      "tmpl_order_shipped",
		Name:            "Order shipped",
		Type:            domain.TypeTransaction,
		TitleTemplate:   "Order {{.orderId}} shipped",
		MessageTemplate: "Hi {{.userName}}, your order of {{formatCurrency .amount .currency}} is on the way.",
		ActionTemplates: []domain.ActionTemplate{
			{ID: "track", Label: "Track order", Type: "link", URL: "https://shop.example.com/orders/{{.orderId}}"},
		},
		Variables: []domain.TemplateVariable{
			{Name: "orderId", Kind: domain.VarString, Required: true},
			{Name: "userName", Kind: domain.VarString, Default: "there"},
			{Name: "amount", Kind: domain.VarNumber, Required: true},
			{Name: "currency", Kind: domain.VarString, Default: "USD"},
		},
		Version:  "v1",
		IsActive: true,
	}
}

func TestCompileAndRenderAll(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	compiled, err := engine.Compile(orderTemplate())
	assert.NoError(err, "compiling a valid template should not fail")
	assert.Equal([]string{"amount", "currency", "orderId", "userName"}, compiled.Variables)

	out, err := engine.RenderAll(compiled, map[string]interface{}{
		"orderId":  "ORD-1042",
		"userName": "Amina",
		"amount":   1999.5,
		"currency": "USD",
	})
	assert.NoError(err)
	assert.Equal("Order ORD-1042 shipped", out.Title)
	assert.Equal("Hi Amina, your order of $1,999.50 is on the way.", out.Message)
	assert.Len(out.Actions, 1)
	assert.Equal("https://shop.example.com/orders/ORD-1042", out.Actions[0].URL)
	assert.Equal("track", out.Actions[0].ID)
}

func TestRenderFillsUnsetVariables(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	compiled, err := engine.Compile(&domain.Template{
		TemplateID:      "tmpl_sparse",
		TitleTemplate:   "Hello {{.name}}",
		MessageTemplate: "Balance: {{.balance}}",
		Version:         "v1",
	})
	assert.NoError(err)

	// No variables supplied at all; output must not contain placeholder artifacts.
	out, err := engine.RenderAll(compiled, nil)
	assert.NoError(err)
	assert.Equal("Hello ", out.Title)
	assert.Equal("Balance: ", out.Message)
	assert.NotContains(out.Title, "<no value>")
}

func TestCompileRejectsEmptyTemplate(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	_, err := engine.Compile(&domain.Template{TemplateID: "tmpl_empty", Version: "v1"})
	assert.ErrorIs(err, xerrors.ErrInvalidTemplate)
}

func TestCompileRejectsBadSyntax(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	_, err := engine.Compile(&domain.Template{
		TemplateID:      "tmpl_broken",
		TitleTemplate:   "Hello {{.name",
		MessageTemplate: "ok",
		Version:         "v1",
	})
	assert.ErrorIs(err, xerrors.ErrInvalidTemplate)
}

func TestEscapeHTMLMode(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	compiled, err := engine.Compile(&domain.Template{
		TemplateID:      "tmpl_escaped",
		TitleTemplate:   "{{.title}}",
		MessageTemplate: "{{.body}}",
		Render:          domain.RenderConfig{EscapeHTML: true},
		Version:         "v1",
	})
	assert.NoError(err)

	out, err := engine.RenderAll(compiled, map[string]interface{}{
		"title": "Alert",
		"body":  "<script>alert(1)</script>",
	})
	assert.NoError(err)
	assert.NotContains(out.Message, "<script>")
	assert.Contains(out.Message, "&lt;script&gt;")
}

func TestRestrictedHelperFailsRender(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	compiled, err := engine.Compile(&domain.Template{
		TemplateID:      "tmpl_restricted",
		TitleTemplate:   "{{upper .name}}",
		MessageTemplate: "plain",
		Render:          domain.RenderConfig{AllowedHelpers: []string{HelperFormatDate}},
		Version:         "v1",
	})
	assert.NoError(err, "restriction applies at render time, not parse time")

	_, err = engine.Render(compiled, SectionTitle, map[string]interface{}{"name": "a"})
	assert.ErrorIs(err, xerrors.ErrRenderFailed)

	// The untouched section still renders.
	msg, err := engine.Render(compiled, SectionMessage, nil)
	assert.NoError(err)
	assert.Equal("plain", msg)
}

func TestHelpers(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	compiled, err := engine.Compile(&domain.Template{
		TemplateID:      "tmpl_helpers",
		TitleTemplate:   `{{upper .code}} on {{formatDate .when "2006-01-02"}}`,
		MessageTemplate: `Pay {{formatCurrency .due "KES"}} or {{default .alt "nothing"}}`,
		Version:         "v1",
	})
	assert.NoError(err)

	out, err := engine.RenderAll(compiled, map[string]interface{}{
		"code": "promo",
		"when": time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		"due":  250.0,
	})
	assert.NoError(err)
	assert.Equal("PROMO on 2026-03-14", out.Title)
	assert.Equal("Pay KSh 250.00 or nothing", out.Message)
}

func TestBuildContext(t *testing.T) {
	assert := assert.New(t)
	tmpl := orderTemplate()

	// Defaults apply, provided values win.
	ctx, err := BuildContext(tmpl, map[string]interface{}{
		"orderId": "ORD-7",
		"amount":  12.0,
	})
	assert.NoError(err)
	assert.Equal("there", ctx["userName"])
	assert.Equal("USD", ctx["currency"])
	assert.Equal("ORD-7", ctx["orderId"])

	// Missing a required variable with no default fails.
	_, err = BuildContext(tmpl, map[string]interface{}{"orderId": "ORD-7"})
	assert.ErrorIs(err, xerrors.ErrMissingVariable)
	assert.Contains(err.Error(), "amount")
}

func TestExtractVariables(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	vars, err := engine.ExtractVariables(
		"{{.b}} {{.a}} {{.b}}",
		"{{if .flag}}{{.nested}}{{else}}{{.other}}{{end}}",
		"{{range .items}}{{.}}{{end}}",
		"{{upper .shouted}}",
	)
	assert.NoError(err)
	assert.Equal([]string{"a", "b", "flag", "items", "nested", "other", "shouted"}, vars)
}

func TestExtractVariablesExcludesHelperNames(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	vars, err := engine.ExtractVariables(`{{formatCurrency .amount "USD"}}`)
	assert.NoError(err)
	assert.Equal([]string{"amount"}, vars)
	assert.NotContains(vars, "formatCurrency")
}

func TestValidate(t *testing.T) {
	assert := assert.New(t)
	engine := NewEngine(zap.NewNop())

	report := engine.Validate("Hi {{.name}}", "Welcome aboard, {{.name}}", nil)
	assert.True(report.IsValid)
	assert.Empty(report.Errors)
	assert.Equal([]string{"name"}, report.Variables)

	report = engine.Validate("", "Broken {{.name", []domain.ActionTemplate{{ID: "go"}})
	assert.False(report.IsValid)
	assert.NotEmpty(report.Errors)
	assert.Contains(report.Warnings, "action 0 has an empty label")
}
