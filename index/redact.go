package index

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables that are non-sensitive and useful as context.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"XDG_RUNTIME_DIR": true, "GOPATH": true, "GOROOT": true,
	"COLUMNS": true, "LINES": true, "LC_ALL": true, "LC_CTYPE": true,
}

// specialParams are shell special parameters that are never redacted.
var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

var (
	// Well-known credential shapes, redacted in every language.
	reTokens = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bxox[abpr]-[A-Za-z0-9-]{10,}`),
	}
	// name = "value" where name looks like a credential.
	reSecretAssign = regexp.MustCompile(`(?i)\b([A-Za-z_][A-Za-z0-9_]*(?:key|token|secret|passw(?:or)?d)[A-Za-z0-9_]*)(\s*[:=]\s*)(["'` + "`" + `])[^"'` + "`" + `\n]*(["'` + "`" + `])`)

	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
)

// IsShell reports whether a language id names a shell dialect.
func IsShell(languageID string) bool {
	switch strings.ToLower(languageID) {
	case "shellscript", "shell", "sh", "bash", "zsh":
		return true
	}
	return false
}

// RedactSnippet removes credentials from code before it is stored or sent to
// an embedding API. Shell snippets additionally lose sensitive variable
// expansions and assignment values.
func RedactSnippet(text, languageID string) string {
	if text == "" {
		return ""
	}
	if IsShell(languageID) {
		text = RedactCommand(text)
	}
	for _, re := range reTokens {
		text = re.ReplaceAllString(text, "***")
	}
	return reSecretAssign.ReplaceAllString(text, "$1$2$3***$4")
}

// RedactCommand replaces sensitive environment variable references and
// assignment values in a shell snippet. Safe variables (PATH, HOME, etc.)
// and special shell parameters ($?, $!, etc.) are preserved.
func RedactCommand(cmd string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return regexRedact(cmd)
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !safeVars[n.Param.Value] && !specialParams[n.Param.Value] {
				n.Param.Value = "REDACTED"
			}
		case *syntax.Assign:
			if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
			}
		}
		return true
	})

	var buf bytes.Buffer
	printer := syntax.NewPrinter(syntax.Indent(0))
	if err := printer.Print(&buf, prog); err != nil {
		return regexRedact(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// regexRedact is a fallback for snippets that fail to parse, which is common
// for partial lines.
func regexRedact(cmd string) string {
	cmd = reBraceVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reBraceVar.FindStringSubmatch(m)[1]
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "${REDACTED}"
	})

	cmd = reSimpleVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" || safeVars[name] || specialParams[name] {
			return m
		}
		return "$REDACTED"
	})

	return reAssign.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reAssign.FindStringSubmatch(m)[1]
		if safeVars[name] {
			return m
		}
		return name + "=***"
	})
}
