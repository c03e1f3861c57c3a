package template

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Helper names callers may list in RenderConfig.AllowedHelpers. Builtins
// like eq/ne are part of the template language and always available.
const (
	HelperFormatDate     = "formatDate"
	HelperFormatCurrency = "formatCurrency"
	HelperUpper          = "upper"
	HelperDefault        = "default"
)

func baseFuncs() map[string]interface{} {
	return map[string]interface{}{
		HelperFormatDate:     formatDate,
		HelperFormatCurrency: formatCurrency,
		HelperUpper:          upperHelper,
		HelperDefault:        defaultHelper,
	}
}

// filterFuncs restricts the helper set to the allowed names. Disallowed
// helpers stay in the map as stubs that fail the render, so a template
// using a forbidden helper degrades the same way as any other render error.
func filterFuncs(allowed []string) map[string]interface{} {
	funcs := baseFuncs()
	if len(allowed) == 0 {
		return funcs
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = struct{}{}
	}
	for name := range funcs {
		if _, ok := allowedSet[name]; !ok {
			n := name
			funcs[n] = func(...interface{}) (string, error) {
				return "", fmt.Errorf("helper %q is not allowed for this template", n)
			}
		}
	}
	return funcs
}

// formatDate renders a date-ish value. Accepts time.Time, RFC3339 strings
// and unix seconds; layout defaults to "Jan 2, 2006".
func formatDate(v interface{}, layout ...string) string {
	l := "Jan 2, 2006"
	if len(layout) > 0 && layout[0] != "" {
		l = layout[0]
	}

	switch t := v.(type) {
	case time.Time:
		return t.Format(l)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.Format(l)
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.Format(l)
		}
		return t
	case int64:
		return time.Unix(t, 0).UTC().Format(l)
	case float64:
		return time.Unix(int64(t), 0).UTC().Format(l)
	default:
		return toString(v)
	}
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"KES": "KSh ",
	"NGN": "₦",
}

// formatCurrency renders an amount with two decimals and thousands
// separators, e.g. {{formatCurrency .amount "USD"}} -> $1,250.00.
func formatCurrency(v interface{}, code ...string) string {
	amount, ok := toFloat(v)
	if !ok {
		return toString(v)
	}

	symbol := ""
	if len(code) > 0 {
		if s, found := currencySymbols[strings.ToUpper(code[0])]; found {
			symbol = s
		} else {
			symbol = code[0] + " "
		}
	}

	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := strconv.FormatFloat(amount, 'f', 2, 64)
	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	out := symbol + b.String() + "." + parts[1]
	if neg {
		out = "-" + out
	}
	return out
}

func upperHelper(v interface{}) string {
	return strings.ToUpper(toString(v))
}

// defaultHelper substitutes fallback for nil or empty values:
// {{default .nickname "friend"}}.
func defaultHelper(v, fallback interface{}) interface{} {
	if v == nil {
		return fallback
	}
	if s, ok := v.(string); ok && s == "" {
		return fallback
	}
	return v
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
