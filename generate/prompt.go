package generate

import (
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"text/template"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/assemble"
	defaults "github.com/Paranoid-AF/codelet/default"
)

// CursorMarker marks the cursor in the code sent to the model.
const CursorMarker = "█"

// DefaultMaxLines bounds multi-line completions in the system prompt.
const DefaultMaxLines = 8

// PromptData holds the data passed to the system prompt template.
type PromptData struct {
	MaxLines int
	Language string
}

var promptFuncs = template.FuncMap{
	"join": func(items []string, sep string) string {
		return strings.Join(items, sep)
	},
	"lower": strings.ToLower,
}

// Renderer turns gathered context into prompts. The zero value uses the
// built-in template.
type Renderer struct {
	// Template overrides the built-in system prompt template.
	Template string
	MaxLines int
}

// LoadCustomPrompt loads a user prompt template from the config directory.
// Returns empty string if no custom prompt exists.
func LoadCustomPrompt() string {
	promptPath := codelet.PromptPath()
	data, err := os.ReadFile(promptPath)
	if err != nil {
		return ""
	}
	slog.Info("loaded custom prompt", "path", promptPath)
	return string(data)
}

// Render builds the prompt for a gathered context.
func (r Renderer) Render(c *assemble.Context) Prompt {
	return Prompt{
		System: r.System(c.Language),
		User:   UserMessage(c),
	}
}

// System renders the system prompt, falling back to the built-in template
// when a custom one fails to parse or execute.
func (r Renderer) System(language string) string {
	data := PromptData{MaxLines: r.MaxLines, Language: language}
	if data.MaxLines <= 0 {
		data.MaxLines = DefaultMaxLines
	}

	src := r.Template
	if src == "" {
		src = defaults.DefaultPrompt
	}
	out, err := execute(src, data)
	if err != nil && src != defaults.DefaultPrompt {
		slog.Warn("failed to render prompt template, falling back to default", "error", err)
		out, err = execute(defaults.DefaultPrompt, data)
	}
	if err != nil {
		slog.Error("failed to render default prompt", "error", err)
	}
	return strings.TrimRight(out, " \t\n")
}

func execute(src string, data PromptData) (string, error) {
	t, err := template.New("prompt").Funcs(promptFuncs).Parse(src)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// UserMessage lays out the gathered context with the code around the cursor last.
func UserMessage(c *assemble.Context) string {
	var sb strings.Builder

	if c.URI != "" {
		sb.WriteString("file: ")
		sb.WriteString(c.URI)
		sb.WriteString("\n")
	}
	if c.Language != "" {
		sb.WriteString("language: ")
		sb.WriteString(c.Language)
		sb.WriteString("\n")
	}

	names := make([]string, 0, len(c.Manifest))
	for name := range c.Manifest {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(c.Manifest[name])
		sb.WriteString("\n")
	}

	if len(c.Imports) > 0 {
		sb.WriteString("imports: ")
		sb.WriteString(strings.Join(c.Imports, ", "))
		sb.WriteString("\n")
	}
	if len(c.Symbols) > 0 {
		sb.WriteString("symbols: ")
		sb.WriteString(strings.Join(c.Symbols, ", "))
		sb.WriteString("\n")
	}

	for _, f := range c.Files {
		sb.WriteString("\n--- ")
		sb.WriteString(f.Path)
		sb.WriteString(" ---\n")
		sb.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			sb.WriteString("\n")
		}
	}

	if len(c.Related) > 0 {
		sb.WriteString("\nPreviously accepted completions:\n")
		for _, r := range c.Related {
			sb.WriteString("<completion>")
			sb.WriteString(r)
			sb.WriteString("</completion>\n")
		}
	}

	sb.WriteString("\nCode (cursor at ")
	sb.WriteString(CursorMarker)
	sb.WriteString("):\n")
	sb.WriteString(c.Prefix)
	sb.WriteString(CursorMarker)
	sb.WriteString(c.Suffix)

	return sb.String()
}

var (
	reCompletion = regexp.MustCompile(`(?s)<completion>(.*?)</completion>`)
	reOpenTag    = regexp.MustCompile(`(?s)<completion>(.*)$`)
	reFence      = regexp.MustCompile("(?s)^\\s*```[\\w+-]*\\n(.*?)\\n?```\\s*$")
)

// CleanCompletion extracts the insertion text from raw model output.
// linePrefix is the text of the cursor line before the cursor; a completion
// that repeats it has the repetition removed.
func CleanCompletion(output, linePrefix string) string {
	text := output
	if m := reCompletion.FindStringSubmatch(output); m != nil {
		text = m[1]
	} else if m := reOpenTag.FindStringSubmatch(output); m != nil {
		// stop sequences can cut the closing tag
		text = m[1]
	} else if m := reFence.FindStringSubmatch(output); m != nil {
		text = m[1]
	}

	text = strings.ReplaceAll(text, CursorMarker, "")
	text = strings.TrimRight(text, " \t\n")

	// indentation may differ between the echo and the line
	if core := strings.TrimLeft(linePrefix, " \t"); core != "" {
		if lead := strings.TrimLeft(text, " \t"); strings.HasPrefix(lead, core) {
			text = lead[len(core):]
		}
	}
	return text
}
