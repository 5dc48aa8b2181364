// Package analysis defines the analysis request model, deterministic
// fingerprinting and the analyzer registry the scheduler dispatches to.
package analysis

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	dtkerrors "dtk/internal/errors"
)

// Kind identifies an analysis type.
type Kind string

const (
	Complexity          Kind = "complexity"
	DeadCode            Kind = "dead-code"
	Satd                Kind = "satd"
	Makefile            Kind = "makefile"
	Dag                 Kind = "dag"
	GraphMetrics        Kind = "graph-metrics"
	SymbolTable         Kind = "symbol-table"
	Duplicates          Kind = "duplicates"
	NameSimilarity      Kind = "name-similarity"
	DefectPrediction    Kind = "defect-prediction"
	Provability         Kind = "provability"
	ProofAnnotations    Kind = "proof-annotations"
	Tdg                 Kind = "tdg"
	DeepContext         Kind = "deep-context"
	Comprehensive       Kind = "comprehensive"
	Churn               Kind = "churn"
	IncrementalCoverage Kind = "incremental-coverage"
	QualityGate         Kind = "quality-gate"
)

// AllKinds lists every supported analysis kind in stable order.
func AllKinds() []Kind {
	return []Kind{
		Complexity, DeadCode, Satd, Makefile, Dag, GraphMetrics,
		SymbolTable, Duplicates, NameSimilarity, DefectPrediction,
		Provability, ProofAnnotations, Tdg, DeepContext, Comprehensive,
		Churn, IncrementalCoverage, QualityGate,
	}
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", dtkerrors.Newf(dtkerrors.BadRequest, "unknown analysis kind: %s", s)
}

// Request describes one analysis invocation.
type Request struct {
	Kind    Kind              `json:"kind"`
	Root    string            `json:"root"`
	Paths   []string          `json:"paths,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// presentationOptions affect only output formatting, never semantics.
// They are excluded from the fingerprint so callers that differ only in
// presentation share one cached result.
var presentationOptions = map[string]bool{
	"format":    true,
	"output":    true,
	"top-files": true,
}

// Fingerprint derives a deterministic digest over the analysis kind, the
// input paths, their content hashes and the semantic option set. Equal
// fingerprints must yield equal results, across process restarts.
func (r Request) Fingerprint() (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", dtkerrors.Wrap(dtkerrors.Internal, "failed to init digest", err)
	}

	fmt.Fprintf(h, "kind:%s\n", r.Kind)
	fmt.Fprintf(h, "root:%s\n", r.Root)

	paths := append([]string(nil), r.Paths...)
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(h, "path:%s:%s\n", p, contentHash(p))
	}

	keys := make([]string, 0, len(r.Options))
	for k := range r.Options {
		if presentationOptions[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "opt:%s=%s\n", k, r.Options[k])
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// contentHash hashes a file's content; directories and unreadable paths
// hash to a marker so the fingerprint stays deterministic either way.
func contentHash(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "absent"
	}
	if info.IsDir() {
		// Directories are fingerprinted by their entry listing; file-level
		// content enters through explicit paths or the analyzer's own scan.
		entries, err := os.ReadDir(path)
		if err != nil {
			return "unreadable-dir"
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		sum := blake2b.Sum256([]byte(strings.Join(names, "\x00")))
		return "dir:" + hex.EncodeToString(sum[:8])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "unreadable"
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// HashBytes returns the hex blake2b-256 digest of data. Shared by the
// template service for content hashes.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Report is the uniform result shape analyses produce. Presentation
// (tables, markdown) is derived from it after cache retrieval.
type Report struct {
	Kind        Kind               `json:"kind"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Root        string             `json:"root,omitempty"`
	Files       []FileReport       `json:"files,omitempty"`
	Findings    []Finding          `json:"findings,omitempty"`
	Totals      map[string]float64 `json:"totals,omitempty"`
	Graph       *Graph             `json:"graph,omitempty"`
}

// FileReport carries per-file metrics.
type FileReport struct {
	Path     string             `json:"path"`
	Language string             `json:"language,omitempty"`
	Lines    int                `json:"lines"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// Finding is a located diagnostic.
type Finding struct {
	Path     string `json:"path"`
	Line     int    `json:"line,omitempty"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Graph is a node-index arena with an edge list; cycles are represented
// without owned references.
type Graph struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// Edge connects two node indexes.
type Edge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// sortFindings orders findings deterministically for stable reports.
func sortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Path != findings[j].Path {
			return findings[i].Path < findings[j].Path
		}
		return findings[i].Line < findings[j].Line
	})
}

// sortFiles orders file reports deterministically.
func sortFiles(files []FileReport) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
}
