package generate

import (
	"strings"
	"testing"

	"github.com/Paranoid-AF/codelet/assemble"
)

func TestRendererDefault(t *testing.T) {
	sys := Renderer{}.System("go")
	if !strings.Contains(sys, "code completion engine") {
		t.Errorf("default prompt missing preamble: %q", sys)
	}
	if !strings.Contains(sys, "at most 8 lines") {
		t.Errorf("default max lines not rendered: %q", sys)
	}
	if !strings.Contains(sys, "language is go") {
		t.Errorf("language not rendered: %q", sys)
	}

	noLang := Renderer{MaxLines: 3}.System("")
	if strings.Contains(noLang, "language is") {
		t.Errorf("language line should be omitted: %q", noLang)
	}
	if !strings.Contains(noLang, "at most 3 lines") {
		t.Errorf("MaxLines override ignored: %q", noLang)
	}
}

func TestRendererCustom(t *testing.T) {
	r := Renderer{Template: "Complete {{lower .Language}} code in {{.MaxLines}} lines."}
	if got := r.System("Python"); got != "Complete python code in 8 lines." {
		t.Errorf("System = %q", got)
	}
}

func TestRendererFallback(t *testing.T) {
	for _, tmpl := range []string{
		"{{.Unclosed",
		"{{.NoSuchField}}",
	} {
		sys := Renderer{Template: tmpl}.System("go")
		if !strings.Contains(sys, "code completion engine") {
			t.Errorf("template %q: expected fallback to default, got %q", tmpl, sys)
		}
	}
}

func TestUserMessage(t *testing.T) {
	c := &assemble.Context{
		URI:      "file:///src/main.go",
		Language: "go",
		Prefix:   "func main() {\n\tfmt.",
		Suffix:   "\n}\n",
		Imports:  []string{"fmt", "os"},
		Symbols:  []string{"main", "run"},
		Manifest: map[string]string{"go.mod": "module example.com/app", "Makefile targets": "build, test"},
		Related:  []string{"fmt.Println(err)"},
		Files:    []assemble.FileSnippet{{Path: "/src/util.go", Content: "package main"}},
	}
	msg := UserMessage(c)

	for _, want := range []string{
		"file: file:///src/main.go\n",
		"language: go\n",
		"imports: fmt, os\n",
		"symbols: main, run\n",
		"--- /src/util.go ---\npackage main\n",
		"<completion>fmt.Println(err)</completion>",
		"func main() {\n\tfmt." + CursorMarker + "\n}\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	// manifest entries are sorted, and the code comes last
	if strings.Index(msg, "Makefile targets") > strings.Index(msg, "go.mod: ") {
		t.Error("manifest entries not sorted")
	}
	if !strings.HasSuffix(msg, c.Suffix) {
		t.Error("code around the cursor should end the message")
	}
}

func TestUserMessageMinimal(t *testing.T) {
	msg := UserMessage(&assemble.Context{Prefix: "x := ", Suffix: ""})
	want := "\nCode (cursor at " + CursorMarker + "):\nx := " + CursorMarker
	if msg != want {
		t.Errorf("UserMessage = %q, want %q", msg, want)
	}
}

func TestCleanCompletion(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		linePrefix string
		want       string
	}{
		{"tagged", "<completion>return nil</completion>", "", "return nil"},
		{"tag with chatter", "Sure!\n<completion>x + 1</completion>\nDone.", "", "x + 1"},
		{"unclosed tag", "<completion>err != nil {\n", "", "err != nil {"},
		{"fenced", "```go\nfmt.Println()\n```", "", "fmt.Println()"},
		{"bare", "a, b := f()  \n\n", "", "a, b := f()"},
		{"cursor marker", "<completion>foo" + CursorMarker + "()</completion>", "", "foo()"},
		{"repeated prefix", "<completion>\tif err != nil {</completion>", "\tif ", "err != nil {"},
		{"repeated prefix without indent", "<completion>if err != nil {</completion>", "\tif ", "err != nil {"},
		{"whitespace prefix kept", "<completion>  x</completion>", "  ", "  x"},
		{"multi-line", "<completion>a()\n\tb()\n</completion>", "", "a()\n\tb()"},
		{"empty", "<completion></completion>", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanCompletion(tt.output, tt.linePrefix); got != tt.want {
				t.Errorf("CleanCompletion(%q, %q) = %q, want %q", tt.output, tt.linePrefix, got, tt.want)
			}
		})
	}
}
