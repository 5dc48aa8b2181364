//go:build cgo

package analysis

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

func init() {
	preciseSpans = treeSitterSpans
}

func sitterLanguage(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "rust":
		return rust.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

var functionNodeTypes = map[string]bool{
	"function_declaration": true, // go, javascript
	"method_declaration":   true, // go
	"function_item":        true, // rust
	"function_definition":  true, // python, c
	"method_definition":    true, // javascript classes
	"arrow_function":       false, // anonymous, skipped
}

// treeSitterSpans extracts function spans from a real parse tree. Any
// failure falls back to the heuristic extractor by returning nil.
func treeSitterSpans(sf *SourceFile) []FuncSpan {
	lang := sitterLanguage(sf.Language)
	if lang == nil {
		return nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	source := []byte(strings.Join(sf.Lines, "\n"))
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil || tree == nil {
		return nil
	}
	defer tree.Close()

	var spans []FuncSpan
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if functionNodeTypes[n.Type()] {
			name := ""
			if field := n.ChildByFieldName("name"); field != nil {
				name = field.Content(source)
			}
			if name != "" {
				spans = append(spans, FuncSpan{
					Name:      name,
					StartLine: int(n.StartPoint().Row) + 1,
					EndLine:   int(n.EndPoint().Row) + 1,
				})
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(tree.RootNode())
	return spans
}
