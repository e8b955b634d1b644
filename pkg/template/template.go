// Package template implements the named-field template type used for every
// prompt, system-prompt, and utility-step body in this module: a template
// is parsed once into literal chunks and `{name}` / `{name[field]}`
// references, then resolved against a plain data map at call time. It
// deliberately does not embed host-language templating syntax.
package template

import (
	"fmt"
	"strconv"
	"strings"
)

// MissingKeyError reports that a reference named a key absent from the
// data map passed to Render. Callers that need a fallback (the step
// safe-prompt-assembly rule) can detect this with errors.As.
type MissingKeyError struct {
	Name string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("template: missing key %q", e.Name)
}

type chunkKind int

const (
	chunkLiteral chunkKind = iota
	chunkRef
)

type chunk struct {
	kind  chunkKind
	text  string // literal text, when kind == chunkLiteral
	name  string // top-level key, when kind == chunkRef
	field string // optional subfield, e.g. {name[field]}
}

// Template is a parsed named-field template, safe for concurrent Render
// calls and reuse across many invocations.
type Template struct {
	raw    string
	chunks []chunk
}

// Parse compiles a template string. `{{` and `}}` escape to literal braces;
// a reference is `{name}` or `{name[field]}`, running from a single `{` to
// the next `}`. The trimmed text inside is taken as name/field as is; its
// characters are not checked.
func Parse(src string) (*Template, error) {
	t := &Template{raw: src}
	i := 0
	var lit strings.Builder
	flushLit := func() {
		if lit.Len() > 0 {
			t.chunks = append(t.chunks, chunk{kind: chunkLiteral, text: lit.String()})
			lit.Reset()
		}
	}
	for i < len(src) {
		c := src[i]
		switch c {
		case '{':
			if i+1 < len(src) && src[i+1] == '{' {
				lit.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(src[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("template: unterminated reference starting at byte %d in %q", i, src)
			}
			end += i
			inner := src[i+1 : end]
			name, field, err := parseRef(inner)
			if err != nil {
				return nil, fmt.Errorf("template: %w", err)
			}
			flushLit()
			t.chunks = append(t.chunks, chunk{kind: chunkRef, name: name, field: field})
			i = end + 1
		case '}':
			if i+1 < len(src) && src[i+1] == '}' {
				lit.WriteByte('}')
				i += 2
				continue
			}
			lit.WriteByte('}')
			i++
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flushLit()
	return t, nil
}

func parseRef(inner string) (name, field string, err error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "", "", fmt.Errorf("empty reference {}")
	}
	if open := strings.IndexByte(inner, '['); open >= 0 {
		if !strings.HasSuffix(inner, "]") {
			return "", "", fmt.Errorf("malformed reference {%s}: missing closing ]", inner)
		}
		name = strings.TrimSpace(inner[:open])
		field = strings.TrimSpace(inner[open+1 : len(inner)-1])
		if name == "" {
			return "", "", fmt.Errorf("malformed reference {%s}: empty name", inner)
		}
		return name, field, nil
	}
	return inner, "", nil
}

// Render resolves the template against data. The first missing top-level
// key encountered is returned as a *MissingKeyError alongside the best-
// effort partial render (missing references render as empty string so the
// caller can still inspect the rest of the output if it chooses to).
func Render(t *Template, data map[string]any) (string, error) {
	var sb strings.Builder
	var firstMissing error
	for _, c := range t.chunks {
		switch c.kind {
		case chunkLiteral:
			sb.WriteString(c.text)
		case chunkRef:
			val, ok := data[c.name]
			if !ok {
				if firstMissing == nil {
					firstMissing = &MissingKeyError{Name: c.name}
				}
				continue
			}
			sb.WriteString(resolveField(val, c.field))
		}
	}
	return sb.String(), firstMissing
}

func resolveField(val any, field string) string {
	if field == "" {
		return stringify(val)
	}
	m, ok := val.(map[string]any)
	if !ok {
		return ""
	}
	sub, ok := m[field]
	if !ok {
		return ""
	}
	return stringify(sub)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// References returns the top-level keys this template refers to, in order
// of first appearance — used by steps to decide whether a missing key is
// actually referenced before falling back to safe-prompt assembly.
func (t *Template) References() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range t.chunks {
		if c.kind == chunkRef && !seen[c.name] {
			seen[c.name] = true
			out = append(out, c.name)
		}
	}
	return out
}

// String returns the original source text.
func (t *Template) String() string { return t.raw }
