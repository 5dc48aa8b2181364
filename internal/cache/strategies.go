package cache

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// AstStrategy caches per-file parse results. The cache key embeds the file
// mtime so edits produce a fresh key rather than a stale hit.
type AstStrategy[V any] struct {
	TTLSeconds int
	Max        int
}

func (s AstStrategy[V]) CacheKey(path string) string {
	var mtime int64
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime().Unix()
	}
	return fmt.Sprintf("ast:%s:%d", path, mtime)
}

func (s AstStrategy[V]) Validate(path string, _ V) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s AstStrategy[V]) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

func (s AstStrategy[V]) MaxEntries() int {
	if s.Max <= 0 {
		return 100
	}
	return s.Max
}

func (s AstStrategy[V]) SizeOf(value V) int64 { return approxSize(value) }

// TemplateStrategy caches embedded template resources by URI. Templates are
// immutable after load, so validation always passes.
type TemplateStrategy[V any] struct {
	TTLSeconds int
}

func (s TemplateStrategy[V]) CacheKey(uri string) string {
	return "template:" + uri
}

func (s TemplateStrategy[V]) Validate(_ string, _ V) bool { return true }

func (s TemplateStrategy[V]) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

func (s TemplateStrategy[V]) MaxEntries() int { return 50 }

func (s TemplateStrategy[V]) SizeOf(value V) int64 { return approxSize(value) }

// DagKey identifies a dependency graph cache entry.
type DagKey struct {
	Path    string
	DagType string
}

// DagStrategy caches dependency graphs. Graphs can be large, so the entry
// bound is deliberately small.
type DagStrategy[V any] struct {
	TTLSeconds int
}

func (s DagStrategy[V]) CacheKey(key DagKey) string {
	return fmt.Sprintf("dag:%s:%s", key.Path, key.DagType)
}

func (s DagStrategy[V]) Validate(key DagKey, _ V) bool {
	_, err := os.Stat(key.Path)
	return err == nil
}

func (s DagStrategy[V]) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

func (s DagStrategy[V]) MaxEntries() int { return 20 }

func (s DagStrategy[V]) SizeOf(value V) int64 { return approxSize(value) }

// ChurnKey identifies a churn analysis cache entry.
type ChurnKey struct {
	Repo       string
	PeriodDays int
}

// ChurnStrategy caches git churn analyses. The cache key embeds the current
// HEAD commit (and branch when BranchAware) so a moved HEAD misses.
type ChurnStrategy[V any] struct {
	TTLSeconds  int
	BranchAware bool
}

func (s ChurnStrategy[V]) CacheKey(key ChurnKey) string {
	head := gitRevParse(key.Repo, "HEAD")
	if s.BranchAware {
		branch := gitRevParse(key.Repo, "--abbrev-ref", "HEAD")
		return fmt.Sprintf("churn:%s:%d:%s:%s", key.Repo, key.PeriodDays, branch, head)
	}
	return fmt.Sprintf("churn:%s:%d:%s", key.Repo, key.PeriodDays, head)
}

func (s ChurnStrategy[V]) Validate(key ChurnKey, _ V) bool {
	// HEAD is part of the key; if we got here with the same key it is valid.
	return gitRevParse(key.Repo, "HEAD") != ""
}

func (s ChurnStrategy[V]) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

func (s ChurnStrategy[V]) MaxEntries() int { return 20 }

func (s ChurnStrategy[V]) SizeOf(value V) int64 { return approxSize(value) }

func gitRevParse(repo string, args ...string) string {
	cmd := exec.Command("git", append([]string{"rev-parse"}, args...)...)
	cmd.Dir = repo
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// AnalysisStrategy caches scheduler results keyed by analysis fingerprint.
// Fingerprints already encode input content hashes, so entries never go
// semantically stale; TTL bounds memory residency.
type AnalysisStrategy[V any] struct {
	TTLSeconds int
	Max        int
}

func (s AnalysisStrategy[V]) CacheKey(fingerprint string) string {
	return "analysis:" + fingerprint
}

func (s AnalysisStrategy[V]) Validate(_ string, _ V) bool { return true }

func (s AnalysisStrategy[V]) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

func (s AnalysisStrategy[V]) MaxEntries() int {
	if s.Max <= 0 {
		return 200
	}
	return s.Max
}

func (s AnalysisStrategy[V]) SizeOf(value V) int64 { return approxSize(value) }
