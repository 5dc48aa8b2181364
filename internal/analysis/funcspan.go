package analysis

import (
	"regexp"
	"strings"
)

// FuncSpan is one function's location within a source file.
type FuncSpan struct {
	Name      string
	StartLine int // 1-based
	EndLine   int // inclusive
}

// Symbol is a named declaration (function, type, class).
type Symbol struct {
	Name string
	Kind string
	Line int // 1-based
}

// preciseSpans is installed by the tree-sitter backend when built with
// cgo; nil means the heuristic extractor is used.
var preciseSpans func(sf *SourceFile) []FuncSpan

var funcDeclPatterns = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*(?:\[[^\]]*\])?\(`),
	"rust":       regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?(?:unsafe\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`),
	"python":     regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`),
	"javascript": regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`),
	"typescript": regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`),
	"java":       regexp.MustCompile(`^\s*(?:public|protected|private|static|final|synchronized|abstract|native|\s)+[\w<>\[\],\s]+\s+([a-z][A-Za-z0-9_]*)\s*\([^;]*$`),
	"kotlin":     regexp.MustCompile(`^\s*(?:override\s+)?(?:suspend\s+)?fun\s+([A-Za-z_][A-Za-z0-9_]*)`),
	"c":          regexp.MustCompile(`^[A-Za-z_][\w\s\*]*\s\*?([A-Za-z_][A-Za-z0-9_]*)\s*\([^;]*\)\s*\{?\s*$`),
	"cpp":        regexp.MustCompile(`^[A-Za-z_][\w\s\*:<>,&]*\s\*?([A-Za-z_][A-Za-z0-9_:]*)\s*\([^;]*\)\s*(?:const\s*)?\{?\s*$`),
	"ruby":       regexp.MustCompile(`^\s*def\s+([A-Za-z_][A-Za-z0-9_?!]*)`),
}

var typeDeclPatterns = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`^\s*type\s+([A-Za-z_][A-Za-z0-9_]*)\s`),
	"rust":       regexp.MustCompile(`^\s*(?:pub\s+)?(?:struct|enum|trait)\s+([A-Za-z_][A-Za-z0-9_]*)`),
	"python":     regexp.MustCompile(`^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)`),
	"javascript": regexp.MustCompile(`^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
	"typescript": regexp.MustCompile(`^\s*(?:export\s+)?(?:class|interface|type)\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
	"java":       regexp.MustCompile(`^\s*(?:public\s+|final\s+|abstract\s+)*(?:class|interface|enum)\s+([A-Za-z_][A-Za-z0-9_]*)`),
	"kotlin":     regexp.MustCompile(`^\s*(?:data\s+|sealed\s+|open\s+)*(?:class|interface|object)\s+([A-Za-z_][A-Za-z0-9_]*)`),
	"ruby":       regexp.MustCompile(`^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)`),
}

// FunctionSpans extracts function spans, preferring the tree-sitter
// backend when available and falling back to line heuristics.
func FunctionSpans(sf *SourceFile) []FuncSpan {
	return functionSpans(sf)
}

// CyclomaticOf counts decision points within a span, starting from 1.
func CyclomaticOf(lines []string, span FuncSpan) int {
	return cyclomaticOf(lines, span)
}

func functionSpans(sf *SourceFile) []FuncSpan {
	if preciseSpans != nil {
		if spans := preciseSpans(sf); len(spans) > 0 {
			return spans
		}
	}
	return heuristicSpans(sf)
}

// heuristicSpans finds function declarations by pattern and closes each
// span at the next declaration at the same or shallower indent (python,
// ruby) or at the matching closing brace (everything else).
func heuristicSpans(sf *SourceFile) []FuncSpan {
	pat, ok := funcDeclPatterns[sf.Language]
	if !ok {
		return nil
	}

	indentBased := sf.Language == "python" || sf.Language == "ruby"

	var spans []FuncSpan
	for i := 0; i < len(sf.Lines); i++ {
		m := pat.FindStringSubmatch(sf.Lines[i])
		if m == nil {
			continue
		}
		end := i
		if indentBased {
			end = indentSpanEnd(sf.Lines, i)
		} else {
			end = braceSpanEnd(sf.Lines, i)
		}
		spans = append(spans, FuncSpan{Name: m[1], StartLine: i + 1, EndLine: end + 1})
		if end > i {
			i = end
		}
	}
	return spans
}

func indentSpanEnd(lines []string, start int) int {
	base := indentOf(lines[start])
	end := start
	for i := start + 1; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == "" {
			continue
		}
		if indentOf(lines[i]) <= base {
			break
		}
		end = i
	}
	return end
}

func braceSpanEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		for _, c := range lines[i] {
			switch c {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i
		}
		// declaration without a body (prototype, interface method)
		if !opened && strings.HasSuffix(strings.TrimSpace(lines[i]), ";") {
			return i
		}
	}
	return len(lines) - 1
}

func indentOf(line string) int {
	n := 0
	for _, c := range line {
		switch c {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

// symbolsIn lists function and type declarations in one file.
func symbolsIn(sf *SourceFile) []Symbol {
	var syms []Symbol
	if pat, ok := funcDeclPatterns[sf.Language]; ok {
		for i, line := range sf.Lines {
			if m := pat.FindStringSubmatch(line); m != nil {
				syms = append(syms, Symbol{Name: m[1], Kind: "function", Line: i + 1})
			}
		}
	}
	if pat, ok := typeDeclPatterns[sf.Language]; ok {
		for i, line := range sf.Lines {
			if m := pat.FindStringSubmatch(line); m != nil {
				syms = append(syms, Symbol{Name: m[1], Kind: "type", Line: i + 1})
			}
		}
	}
	return syms
}

var branchTokens = regexp.MustCompile(`\b(if|for|while|case|when|catch|elif|rescue)\b|&&|\|\||\?\s`)

func cyclomaticOf(lines []string, span FuncSpan) int {
	cc := 1
	for i := span.StartLine - 1; i < span.EndLine && i < len(lines); i++ {
		line := stripLineComment(lines[i])
		cc += len(branchTokens.FindAllString(line, -1))
	}
	return cc
}

// cognitiveOf approximates cognitive complexity: nesting-weighted
// decision points.
func cognitiveOf(lines []string, span FuncSpan) int {
	score := 0
	base := -1
	for i := span.StartLine - 1; i < span.EndLine && i < len(lines); i++ {
		line := stripLineComment(lines[i])
		if strings.TrimSpace(line) == "" {
			continue
		}
		ind := indentOf(lines[i])
		if base < 0 {
			base = ind
		}
		depth := (ind - base) / 4
		if depth < 0 {
			depth = 0
		}
		n := len(branchTokens.FindAllString(line, -1))
		score += n * (1 + depth)
	}
	return score
}

var lineCommentMarkers = []string{"//", "#", "--"}

func stripLineComment(line string) string {
	for _, m := range lineCommentMarkers {
		if idx := strings.Index(line, m); idx >= 0 {
			line = line[:idx]
		}
	}
	return line
}

// isCommentLine reports whether a trimmed line is comment-only.
func isCommentLine(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "//") || strings.HasPrefix(t, "#") ||
		strings.HasPrefix(t, "*") || strings.HasPrefix(t, "/*") ||
		strings.HasPrefix(t, "--")
}
