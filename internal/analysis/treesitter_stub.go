//go:build !cgo

package analysis

// Without cgo there is no tree-sitter backend; preciseSpans stays nil and
// the heuristic extractor handles every language.
