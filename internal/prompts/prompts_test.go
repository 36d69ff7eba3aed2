package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apelabs/ape/internal/aperrors"
)

const samplePrompt = `---
name: code-review
description: Review a snippet of code
arguments:
  - name: language
    description: Programming language of the snippet
    required: true
  - name: focus
    description: Optional review focus
    required: false
---
Review the following {{.language}} code.
{{.focus}}
Be specific.`

func TestParse(t *testing.T) {
	tmpl, err := Parse([]byte(samplePrompt), "fallback")
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.Name != "code-review" {
		t.Errorf("Name = %q", tmpl.Name)
	}
	if len(tmpl.Arguments) != 2 {
		t.Fatalf("arguments = %d", len(tmpl.Arguments))
	}
	if !tmpl.Arguments[0].Required || tmpl.Arguments[1].Required {
		t.Errorf("required flags wrong: %+v", tmpl.Arguments)
	}
}

func TestParseNameFallsBackToStem(t *testing.T) {
	src := "---\ndescription: no name given\n---\nbody"
	tmpl, err := Parse([]byte(src), "system")
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.Name != "system" {
		t.Errorf("Name = %q, want file stem", tmpl.Name)
	}
}

func TestParseRejectsMissingFrontmatter(t *testing.T) {
	if _, err := Parse([]byte("just a body"), "x"); err == nil {
		t.Error("expected error without front-matter")
	}
	if _, err := Parse([]byte("---\nname: x\nno closing"), "x"); err == nil {
		t.Error("expected error without closing delimiter")
	}
}

func TestRender(t *testing.T) {
	tmpl, err := Parse([]byte(samplePrompt), "x")
	if err != nil {
		t.Fatal(err)
	}

	out, err := tmpl.Render(map[string]any{"language": "Go", "focus": "Look at error handling."})
	if err != nil {
		t.Fatal(err)
	}
	if want := "Review the following Go code."; !contains(out, want) {
		t.Errorf("output missing %q: %s", want, out)
	}

	// Optional argument omitted: renders empty, no error.
	out, err = tmpl.Render(map[string]any{"language": "Go"})
	if err != nil {
		t.Fatal(err)
	}
	if contains(out, "<no value>") {
		t.Errorf("missing optional rendered as <no value>: %s", out)
	}
}

func TestRenderMissingRequired(t *testing.T) {
	tmpl, err := Parse([]byte(samplePrompt), "x")
	if err != nil {
		t.Fatal(err)
	}
	_, err = tmpl.Render(map[string]any{"focus": "style"})
	if err == nil {
		t.Fatal("expected error for missing required argument")
	}
	var coded *aperrors.Error
	if !errors.As(err, &coded) || coded.Code != aperrors.CodeValidationError {
		t.Errorf("want VALIDATION_ERROR, got %v", err)
	}
}

func TestRegistryLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "code-review.prompt.md", samplePrompt)
	writeFile(t, dir, "greeting.prompt.md", "---\nname: greeting\ndescription: say hi\n---\nHello {{.who}}!")
	writeFile(t, dir, "notes.md", "not a prompt file")
	writeFile(t, dir, "broken.prompt.md", "no front matter at all")

	r, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("loaded %d prompts, want 2 (broken and non-prompt files skipped)", len(list))
	}
	if list[0].Name != "code-review" || list[1].Name != "greeting" {
		t.Errorf("order: %s, %s", list[0].Name, list[1].Name)
	}

	if _, err := r.Get("greeting"); err != nil {
		t.Errorf("Get(greeting) = %v", err)
	}
	_, err = r.Get("missing")
	if aperrors.CodeOf(err) != aperrors.CodePromptNotFound {
		t.Errorf("want PROMPT_NOT_FOUND, got %v", err)
	}
}

func TestRegistryReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.prompt.md", "---\nname: a\ndescription: d\n---\nbody")

	r, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	writeFile(t, dir, "b.prompt.md", "---\nname: b\ndescription: d\n---\nbody")
	if err := r.reload(); err != nil {
		t.Fatal(err)
	}
	if len(r.List()) != 2 {
		t.Errorf("reload missed new file")
	}

	os.Remove(filepath.Join(dir, "a.prompt.md"))
	if err := r.reload(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("a"); err == nil {
		t.Error("removed prompt still resolvable after reload")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
