package assemble

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// family groups language ids that share import and declaration syntax.
type family int

const (
	familyUnknown family = iota
	familyGo
	familyPython
	familyJS
	familyC
	familyJava
	familyRust
	familyShell
)

func familyOf(languageID string) family {
	switch strings.ToLower(languageID) {
	case "go":
		return familyGo
	case "python":
		return familyPython
	case "javascript", "typescript", "javascriptreact", "typescriptreact", "jsx", "tsx":
		return familyJS
	case "c", "cpp", "c++", "objective-c", "cuda":
		return familyC
	case "java", "kotlin", "csharp":
		return familyJava
	case "rust":
		return familyRust
	case "shellscript", "shell", "sh", "bash", "zsh":
		return familyShell
	}
	return familyUnknown
}

type patterns struct {
	imports []*regexp.Regexp
	symbols []*regexp.Regexp
}

var familyPatterns = map[family]patterns{
	familyGo: {
		imports: []*regexp.Regexp{
			regexp.MustCompile(`^\s*import\s+(?:[\w.]+\s+)?"([^"]+)"`),
		},
		symbols: []*regexp.Regexp{
			regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`),
			regexp.MustCompile(`^type\s+([A-Za-z_]\w*)`),
		},
	},
	familyPython: {
		imports: []*regexp.Regexp{
			regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`),
			regexp.MustCompile(`^\s*import\s+([\w.]+)`),
		},
		symbols: []*regexp.Regexp{
			regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)`),
			regexp.MustCompile(`^\s*class\s+([A-Za-z_]\w*)`),
		},
	},
	familyJS: {
		imports: []*regexp.Regexp{
			regexp.MustCompile(`^\s*import\s.*?from\s+['"]([^'"]+)['"]`),
			regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`),
			regexp.MustCompile(`\brequire\(\s*['"]([^'"]+)['"]\s*\)`),
		},
		symbols: []*regexp.Regexp{
			regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)`),
			regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`),
			regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?(?:\([^)]*\)|[A-Za-z_$][\w$]*)\s*=>`),
			regexp.MustCompile(`^\s*(?:export\s+)?(?:interface|type)\s+([A-Za-z_$][\w$]*)`),
		},
	},
	familyC: {
		imports: []*regexp.Regexp{
			regexp.MustCompile(`^\s*#\s*include\s*[<"]([^>"]+)[>"]`),
		},
		symbols: []*regexp.Regexp{
			regexp.MustCompile(`^\s*(?:class|struct)\s+([A-Za-z_]\w*)\s*[:{]?`),
			regexp.MustCompile(`^[A-Za-z_][\w\s\*&:<>,]*?[\s\*&]([A-Za-z_]\w*)\s*\([^;]*$`),
		},
	},
	familyJava: {
		imports: []*regexp.Regexp{
			regexp.MustCompile(`^\s*import\s+(?:static\s+)?([\w.*]+)\s*;?`),
			regexp.MustCompile(`^\s*using\s+([\w.]+)\s*;`),
		},
		symbols: []*regexp.Regexp{
			regexp.MustCompile(`\b(?:class|interface|enum|record)\s+([A-Za-z_]\w*)`),
			regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|final|synchronized|abstract|override|suspend)\s+)*(?:fun\s+|[\w<>\[\],.?]+\s+)([A-Za-z_]\w*)\s*\([^;]*$`),
		},
	},
	familyRust: {
		imports: []*regexp.Regexp{
			regexp.MustCompile(`^\s*(?:pub\s+)?use\s+([^;]+);`),
		},
		symbols: []*regexp.Regexp{
			regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?(?:unsafe\s+)?fn\s+([A-Za-z_]\w*)`),
			regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:struct|enum|trait)\s+([A-Za-z_]\w*)`),
		},
	},
	familyShell: {
		imports: []*regexp.Regexp{
			regexp.MustCompile(`^\s*(?:source|\.)\s+(\S+)`),
		},
		symbols: []*regexp.Regexp{
			regexp.MustCompile(`^\s*function\s+([A-Za-z_][\w-]*)`),
			regexp.MustCompile(`^\s*([A-Za-z_][\w-]*)\s*\(\)`),
		},
	},
}

// notSymbols are control keywords the C-like declaration patterns can match.
var notSymbols = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "return": true,
	"catch": true, "sizeof": true, "else": true, "new": true, "throw": true,
}

// goImportBlockLine matches one entry inside an import ( ... ) block.
var goImportBlockLine = regexp.MustCompile(`^\s*(?:[\w.]+\s+)?"([^"]+)"`)

// Outline is the syntax-light summary of a document.
type Outline struct {
	Imports []string
	Symbols []string
}

// Extract scans text for imports and top-level declarations. Unknown
// languages yield an empty outline.
func Extract(text, languageID string) Outline {
	fam := familyOf(languageID)
	if fam == familyShell {
		if o, ok := extractShell(text); ok {
			return o
		}
	}
	p, ok := familyPatterns[fam]
	if !ok {
		return Outline{}
	}

	var imports, symbols []string
	inGoImports := false
	for _, line := range strings.Split(text, "\n") {
		if fam == familyGo {
			trimmed := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(trimmed, "import ("):
				inGoImports = true
				continue
			case inGoImports && trimmed == ")":
				inGoImports = false
				continue
			case inGoImports:
				if m := goImportBlockLine.FindStringSubmatch(line); m != nil {
					imports = append(imports, m[1])
				}
				continue
			}
		}
		if m := firstMatch(p.imports, line); m != "" {
			imports = append(imports, strings.TrimSpace(m))
			continue
		}
		if m := firstMatch(p.symbols, line); m != "" && !notSymbols[m] {
			symbols = append(symbols, m)
		}
	}
	return Outline{Imports: dedupe(imports), Symbols: dedupe(symbols)}
}

// extractShell parses shell text and collects function names and sourced
// files. It reports false when the text does not parse, which is common for
// a buffer being edited.
func extractShell(text string) (Outline, bool) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(text), "")
	if err != nil {
		return Outline{}, false
	}

	var o Outline
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.FuncDecl:
			if n.Name != nil {
				o.Symbols = append(o.Symbols, n.Name.Value)
			}
		case *syntax.CallExpr:
			if len(n.Args) >= 2 {
				cmd := n.Args[0].Lit()
				if cmd == "source" || cmd == "." {
					if arg := n.Args[1].Lit(); arg != "" {
						o.Imports = append(o.Imports, arg)
					}
				}
			}
		}
		return true
	})
	o.Imports = dedupe(o.Imports)
	o.Symbols = dedupe(o.Symbols)
	return o, true
}

func firstMatch(res []*regexp.Regexp, line string) string {
	for _, re := range res {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
