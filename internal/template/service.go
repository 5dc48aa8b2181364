package template

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sync/errgroup"

	"dtk/internal/analysis"
	"dtk/internal/cache"
	dtkerrors "dtk/internal/errors"
)

//go:embed assets
var assetsFS embed.FS

// manifest mirrors assets/manifest.toml.
type manifest struct {
	Templates []manifestEntry `toml:"templates"`
}

type manifestEntry struct {
	URI             string          `toml:"uri"`
	Name            string          `toml:"name"`
	Description     string          `toml:"description"`
	Toolchain       string          `toml:"toolchain"`
	Category        string          `toml:"category"`
	File            string          `toml:"file"`
	TargetPath      string          `toml:"targetPath"`
	SemanticVersion string          `toml:"semanticVersion"`
	Parameters      []ParameterSpec `toml:"parameters"`
}

// Service loads the embedded templates once at startup and serves them
// immutably afterwards. Rendered output is cached by URI and parameter
// set.
type Service struct {
	byURI    map[string]*Resource
	ordered  []*Resource
	rendered *cache.Memory[string, string]
	logger   *slog.Logger
}

// NewService parses the manifest, loads every template body, and
// validates parameter specs. A broken manifest is a startup failure.
func NewService(ttlSeconds int, logger *slog.Logger) (*Service, error) {
	raw, err := assetsFS.ReadFile("assets/manifest.toml")
	if err != nil {
		return nil, dtkerrors.Wrap(dtkerrors.Internal, "embedded manifest missing", err)
	}
	var m manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, dtkerrors.Wrap(dtkerrors.Serialization, "template manifest does not parse", err)
	}

	s := &Service{
		byURI: make(map[string]*Resource, len(m.Templates)),
		rendered: cache.NewMemory[string, string](
			cache.TemplateStrategy[string]{TTLSeconds: ttlSeconds}, 0),
		logger: logger,
	}

	for _, e := range m.Templates {
		parts, err := ParseURI(e.URI)
		if err != nil {
			return nil, err
		}
		if parts.Toolchain != e.Toolchain || parts.Category != e.Category || parts.Name != e.Name {
			return nil, dtkerrors.Newf(dtkerrors.Internal,
				"manifest entry %s disagrees with its URI", e.URI)
		}

		seen := map[string]bool{}
		for _, p := range e.Parameters {
			if seen[p.Name] {
				return nil, dtkerrors.Newf(dtkerrors.Internal,
					"template %s declares parameter %q twice", e.URI, p.Name)
			}
			seen[p.Name] = true
			if !validParamTypes[p.Type] {
				return nil, dtkerrors.Newf(dtkerrors.Internal,
					"template %s parameter %q has unknown type %q", e.URI, p.Name, p.Type)
			}
		}

		body, err := assetsFS.ReadFile("assets/" + e.File)
		if err != nil {
			return nil, dtkerrors.Wrap(dtkerrors.Internal,
				fmt.Sprintf("template %s references missing file %s", e.URI, e.File), err)
		}

		res := &Resource{
			URI:             e.URI,
			Name:            e.Name,
			Description:     e.Description,
			Toolchain:       e.Toolchain,
			Category:        e.Category,
			Parameters:      e.Parameters,
			ContentHash:     analysis.HashBytes(body),
			SemanticVersion: e.SemanticVersion,
			TargetPath:      e.TargetPath,
			content:         string(body),
		}
		if _, dup := s.byURI[res.URI]; dup {
			return nil, dtkerrors.Newf(dtkerrors.Internal, "duplicate template URI %s", res.URI)
		}
		s.byURI[res.URI] = res
		s.ordered = append(s.ordered, res)
	}

	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].URI < s.ordered[j].URI })
	logger.Debug("templates loaded", "count", len(s.ordered))
	return s, nil
}

// List returns templates, optionally filtered by toolchain and category.
func (s *Service) List(toolchain, category string) []*Resource {
	var out []*Resource
	for _, r := range s.ordered {
		if toolchain != "" && r.Toolchain != toolchain {
			continue
		}
		if category != "" && r.Category != category {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Search matches a case-insensitive substring against URI, name, and
// description.
func (s *Service) Search(query string) []*Resource {
	q := strings.ToLower(query)
	var out []*Resource
	for _, r := range s.ordered {
		if strings.Contains(strings.ToLower(r.URI), q) ||
			strings.Contains(strings.ToLower(r.Name), q) ||
			strings.Contains(strings.ToLower(r.Description), q) {
			out = append(out, r)
		}
	}
	return out
}

// Get resolves a URI to its resource. Well-formed but unknown URIs map
// to JSON-RPC code -32001.
func (s *Service) Get(uri string) (*Resource, error) {
	if _, err := ParseURI(uri); err != nil {
		return nil, err
	}
	r, ok := s.byURI[uri]
	if !ok {
		return nil, dtkerrors.Newf(dtkerrors.NotFound, "template not found: %s", uri).
			WithRPCCode(CodeNotFound)
	}
	return r, nil
}

// renderKey keys the rendered-output cache on URI plus the canonical
// parameter encoding.
func renderKey(uri string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(uri)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, params[k])
	}
	return b.String()
}

// Generate validates parameters and renders one template. Render
// failures map to JSON-RPC code -32004.
func (s *Service) Generate(uri string, params map[string]string) (string, error) {
	res, err := s.Get(uri)
	if err != nil {
		return "", err
	}
	resolved, err := res.ValidateParams(params)
	if err != nil {
		return "", err
	}

	key := renderKey(uri, resolved)
	if out, ok := s.rendered.Get(key); ok {
		return out, nil
	}

	tmpl, err := texttemplate.New(res.Name).Option("missingkey=error").Parse(res.content)
	if err != nil {
		return "", dtkerrors.Wrap(dtkerrors.Internal,
			fmt.Sprintf("template %s does not compile", uri), err).WithRPCCode(CodeRender)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, resolved); err != nil {
		return "", dtkerrors.Wrap(dtkerrors.Internal,
			fmt.Sprintf("template %s failed to render", uri), err).WithRPCCode(CodeRender)
	}

	out := buf.String()
	_ = s.rendered.Put(key, out)
	return out, nil
}

// Validate checks parameters against a template without rendering and
// returns the resolved substitution map.
func (s *Service) Validate(uri string, params map[string]string) (map[string]string, error) {
	res, err := s.Get(uri)
	if err != nil {
		return nil, err
	}
	return res.ValidateParams(params)
}

// ScaffoldFile is one rendered output of a scaffold run.
type ScaffoldFile struct {
	URI  string `json:"uri"`
	Path string `json:"path"`
	Size int    `json:"size"`
}

// Scaffold renders every template of a toolchain concurrently and
// writes the results under outDir. Parameters are validated for all
// templates before anything is written.
func (s *Service) Scaffold(ctx context.Context, toolchain, outDir string, params map[string]string, parallel int) ([]ScaffoldFile, error) {
	targets := s.List(toolchain, "")
	if len(targets) == 0 {
		return nil, dtkerrors.Newf(dtkerrors.NotFound, "no templates for toolchain %q", toolchain).
			WithRPCCode(CodeNotFound)
	}

	// validate everything up front so a scaffold is all-or-nothing
	resolved := make([]map[string]string, len(targets))
	for i, res := range targets {
		subset := map[string]string{}
		for _, spec := range res.Parameters {
			if v, ok := params[spec.Name]; ok {
				subset[spec.Name] = v
			}
		}
		r, err := res.ValidateParams(subset)
		if err != nil {
			return nil, err
		}
		resolved[i] = r
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, dtkerrors.NewIo("failed to create scaffold directory", err, false)
	}

	if parallel <= 0 {
		parallel = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	files := make([]ScaffoldFile, len(targets))
	for i, res := range targets {
		i, res := i, res
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return dtkerrors.Wrap(dtkerrors.Timeout, "scaffold cancelled", err)
			}
			out, err := s.Generate(res.URI, resolved[i])
			if err != nil {
				return err
			}
			target := filepath.Join(outDir, res.TargetPath)
			if err := os.WriteFile(target, []byte(out), 0o644); err != nil {
				return dtkerrors.NewIo(fmt.Sprintf("failed to write %s", target), err, false)
			}
			files[i] = ScaffoldFile{URI: res.URI, Path: target, Size: len(out)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("scaffold complete", "toolchain", toolchain, "files", len(files), "dir", outDir)
	return files, nil
}

// CacheStats exposes the rendered-output cache for diagnostics.
func (s *Service) CacheStats() cache.StatsSnapshot {
	return s.rendered.Stats()
}
