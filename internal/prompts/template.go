// Package prompts implements the prompt registry: `.prompt.md` files with
// YAML front-matter describing the prompt and a template body rendered
// with text/template.
package prompts

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/apelabs/ape/internal/aperrors"
)

// FrontmatterDelimiter marks the YAML block boundaries at the top of a
// prompt file.
const FrontmatterDelimiter = "---"

// Argument describes one declared prompt argument.
type Argument struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required" json:"required"`
}

// Template is the in-memory form of one prompt file.
type Template struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Arguments   []Argument `yaml:"arguments" json:"arguments"`

	// Source is the raw template body below the front-matter.
	Source string `yaml:"-" json:"-"`

	compiled *template.Template
}

// frontmatter is the YAML head of a prompt file. Arguments default to
// required unless the file says otherwise.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Arguments   []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Required    *bool  `yaml:"required"`
	} `yaml:"arguments"`
}

// Parse builds a Template from raw `.prompt.md` content. fallbackName is
// used when the front-matter has no name (the file stem, per the loader).
func Parse(data []byte, fallbackName string) (*Template, error) {
	head, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split front-matter: %w", err)
	}

	var fm frontmatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return nil, fmt.Errorf("parse front-matter: %w", err)
	}

	t := &Template{
		Name:        fm.Name,
		Description: fm.Description,
		Source:      strings.TrimSpace(string(body)),
	}
	if t.Name == "" {
		t.Name = fallbackName
	}
	for _, a := range fm.Arguments {
		required := true
		if a.Required != nil {
			required = *a.Required
		}
		t.Arguments = append(t.Arguments, Argument{
			Name:        a.Name,
			Description: a.Description,
			Required:    required,
		})
	}

	t.compiled, err = template.New(t.Name).Funcs(funcMap()).Parse(t.Source)
	if err != nil {
		return nil, fmt.Errorf("compile template %q: %w", t.Name, err)
	}
	return t, nil
}

// Render executes the template. Declared required arguments must be
// present in vars; undeclared variables render as empty.
func (t *Template) Render(vars map[string]any) (string, error) {
	for _, arg := range t.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := vars[arg.Name]; !ok {
			return "", aperrors.Newf(aperrors.CodeValidationError,
				"prompt %q requires argument %q", t.Name, arg.Name)
		}
	}

	// Fill undeclared references so missingkey never aborts execution.
	filled := make(map[string]any, len(vars))
	for k, v := range vars {
		filled[k] = v
	}
	for _, name := range referencedVariables(t.Source) {
		if _, ok := filled[name]; !ok {
			filled[name] = ""
		}
	}

	var buf bytes.Buffer
	if err := t.compiled.Execute(&buf, filled); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", t.Name, err)
	}
	return buf.String(), nil
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"join":  strings.Join,
		"default": func(def, value any) any {
			if value == nil {
				return def
			}
			if s, ok := value.(string); ok && s == "" {
				return def
			}
			return value
		},
	}
}

// splitFrontmatter separates the YAML head from the template body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening front-matter delimiter")
	}

	var head []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		head = append(head, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing front-matter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(head, "\n")), []byte(strings.Join(body, "\n")), nil
}

// referencedVariables extracts top-level {{.name}} references from a
// template body.
func referencedVariables(source string) []string {
	var names []string
	seen := make(map[string]struct{})

	i := 0
	for i < len(source) {
		start := strings.Index(source[i:], "{{")
		if start == -1 {
			break
		}
		start += i
		end := strings.Index(source[start:], "}}")
		if end == -1 {
			break
		}
		end += start

		expr := strings.TrimSpace(source[start+2 : end])
		if strings.HasPrefix(expr, ".") && !strings.ContainsAny(expr, " |") {
			name := strings.TrimPrefix(expr, ".")
			if idx := strings.Index(name, "."); idx != -1 {
				name = name[:idx]
			}
			if name != "" {
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					names = append(names, name)
				}
			}
		}
		i = end + 2
	}
	return names
}
