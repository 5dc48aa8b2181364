package analysis

import (
	"context"
	"log/slog"

	"dtk/internal/cache"
	dtkerrors "dtk/internal/errors"
)

// Analyzer computes one analysis kind. Implementations must be safe for
// concurrent use; the scheduler may run several kinds in parallel.
type Analyzer interface {
	Kind() Kind
	Analyze(ctx context.Context, req Request) (*Report, error)
}

type analyzerFunc struct {
	kind Kind
	fn   func(ctx context.Context, req Request) (*Report, error)
}

func (a analyzerFunc) Kind() Kind { return a.kind }

func (a analyzerFunc) Analyze(ctx context.Context, req Request) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, dtkerrors.Wrap(dtkerrors.Timeout, "analysis cancelled", err)
	}
	return a.fn(ctx, req)
}

// Registry holds every registered analyzer plus the shared caches the
// built-in analyzers consult (AST for parsed files, DAG for import graphs,
// churn for git history).
type Registry struct {
	loader     *Loader
	dagCache   *cache.Memory[cache.DagKey, *Graph]
	churnCache *cache.Memory[cache.ChurnKey, *Report]
	branchAware bool
	analyzers  map[Kind]Analyzer
	logger     *slog.Logger
}

// RegistryConfig carries cache TTLs and knobs for the built-in analyzers.
type RegistryConfig struct {
	AstTTLSeconds   int
	DagTTLSeconds   int
	ChurnTTLSeconds int
	GitBranchAware  bool
}

// NewRegistry builds a registry with all built-in analyzers registered.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	astCache := cache.NewMemory[string, *SourceFile](
		cache.AstStrategy[*SourceFile]{TTLSeconds: cfg.AstTTLSeconds}, 0)

	r := &Registry{
		loader: NewLoader(astCache),
		dagCache: cache.NewMemory[cache.DagKey, *Graph](
			cache.DagStrategy[*Graph]{TTLSeconds: cfg.DagTTLSeconds}, 0),
		churnCache: cache.NewMemory[cache.ChurnKey, *Report](
			cache.ChurnStrategy[*Report]{TTLSeconds: cfg.ChurnTTLSeconds, BranchAware: cfg.GitBranchAware}, 0),
		branchAware: cfg.GitBranchAware,
		analyzers:  make(map[Kind]Analyzer),
		logger:     logger,
	}

	r.register(Complexity, r.analyzeComplexity)
	r.register(DeadCode, r.analyzeDeadCode)
	r.register(Satd, r.analyzeSatd)
	r.register(Makefile, r.analyzeMakefile)
	r.register(Dag, r.analyzeDag)
	r.register(GraphMetrics, r.analyzeGraphMetrics)
	r.register(SymbolTable, r.analyzeSymbolTable)
	r.register(Duplicates, r.analyzeDuplicates)
	r.register(NameSimilarity, r.analyzeNameSimilarity)
	r.register(DefectPrediction, r.analyzeDefectPrediction)
	r.register(Provability, r.analyzeProvability)
	r.register(ProofAnnotations, r.analyzeProofAnnotations)
	r.register(Tdg, r.analyzeTdg)
	r.register(DeepContext, r.analyzeDeepContext)
	r.register(Comprehensive, r.analyzeComprehensive)
	r.register(Churn, r.analyzeChurn)
	r.register(IncrementalCoverage, r.analyzeIncrementalCoverage)
	r.register(QualityGate, r.analyzeQualityGate)

	return r
}

func (r *Registry) register(kind Kind, fn func(ctx context.Context, req Request) (*Report, error)) {
	r.analyzers[kind] = analyzerFunc{kind: kind, fn: fn}
}

// Register installs (or replaces) an analyzer. Tests use it to install
// counting doubles.
func (r *Registry) Register(a Analyzer) {
	r.analyzers[a.Kind()] = a
}

// Get returns the analyzer for a kind.
func (r *Registry) Get(kind Kind) (Analyzer, bool) {
	a, ok := r.analyzers[kind]
	return a, ok
}

// Analyze dispatches to the registered analyzer for req.Kind.
func (r *Registry) Analyze(ctx context.Context, req Request) (*Report, error) {
	a, ok := r.Get(req.Kind)
	if !ok {
		return nil, dtkerrors.Newf(dtkerrors.NotFound, "no analyzer for kind: %s", req.Kind)
	}
	return a.Analyze(ctx, req)
}

// CacheStats reports the internal analyzer caches for diagnostics.
func (r *Registry) CacheStats() map[string]cache.StatsSnapshot {
	return map[string]cache.StatsSnapshot{
		"ast":   r.loader.cache.Stats(),
		"dag":   r.dagCache.Stats(),
		"churn": r.churnCache.Stats(),
	}
}
