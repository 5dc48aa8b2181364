package analysis

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dtk/internal/cache"

	dtkerrors "dtk/internal/errors"
)

// SourceFile is a loaded, line-split source file.
type SourceFile struct {
	Path     string   `json:"path"`
	Language string   `json:"language"`
	Lines    []string `json:"lines"`
}

// languageByExt maps file extensions to language tags.
var languageByExt = map[string]string{
	".go":   "go",
	".rs":   "rust",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".kt":   "kotlin",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".hpp":  "cpp",
	".rb":   "ruby",
	".sh":   "shell",
}

// DetectLanguage returns the language tag for a path, or "" if unsupported.
func DetectLanguage(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true,
	"vendor": true, ".dtk": true, "__pycache__": true, "dist": true,
}

const maxFileSizeBytes = 1 << 20 // skip files over 1MB

// Loader loads source files through the AST cache so analyses over the
// same inputs don't re-read and re-split unchanged files.
type Loader struct {
	cache *cache.Memory[string, *SourceFile]
}

// NewLoader creates a loader backed by the given AST cache. A nil cache
// disables caching.
func NewLoader(astCache *cache.Memory[string, *SourceFile]) *Loader {
	return &Loader{cache: astCache}
}

// Load reads and splits one file, consulting the AST cache first.
func (l *Loader) Load(path string) (*SourceFile, error) {
	if l.cache != nil {
		if sf, ok := l.cache.Get(path); ok {
			return sf, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dtkerrors.NewIo("failed to read source file", err, false)
	}

	sf := &SourceFile{
		Path:     path,
		Language: DetectLanguage(path),
		Lines:    strings.Split(string(data), "\n"),
	}

	if l.cache != nil {
		_ = l.cache.Put(path, sf)
	}
	return sf, nil
}

// CollectSources walks the request's root (or explicit paths) and loads
// every supported source file, bounded by size and skip lists.
func (l *Loader) CollectSources(req Request) ([]*SourceFile, error) {
	roots := req.Paths
	if len(roots) == 0 {
		root := req.Root
		if root == "" {
			root = "."
		}
		roots = []string{root}
	}

	var files []*SourceFile
	seen := map[string]bool{}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, dtkerrors.Newf(dtkerrors.NotFound, "path not found: %s", root)
		}

		if !info.IsDir() {
			if sf, err := l.Load(root); err == nil && !seen[root] {
				seen[root] = true
				files = append(files, sf)
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable entries
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if DetectLanguage(path) == "" || seen[path] {
				return nil
			}
			if fi, err := d.Info(); err != nil || fi.Size() > maxFileSizeBytes {
				return nil
			}
			sf, err := l.Load(path)
			if err != nil {
				return nil
			}
			seen[path] = true
			files = append(files, sf)
			return nil
		})
		if err != nil {
			return nil, dtkerrors.NewIo("source walk failed", err, false)
		}
	}

	return files, nil
}
