package analysis

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"dtk/internal/cache"
)

var importPatterns = map[string][]*regexp.Regexp{
	"go": {
		regexp.MustCompile(`^\s*(?:import\s+)?(?:[\w.]+\s+)?"([^"]+)"`),
	},
	"rust": {
		regexp.MustCompile(`^\s*(?:pub\s+)?use\s+(?:crate|super|self)::([\w:]+)`),
		regexp.MustCompile(`^\s*(?:pub\s+)?mod\s+(\w+)\s*;`),
	},
	"python": {
		regexp.MustCompile(`^\s*import\s+([\w.]+)`),
		regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import`),
	},
	"javascript": {
		regexp.MustCompile(`^\s*import\s+.*from\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`require\(['"]([^'"]+)['"]\)`),
	},
	"typescript": {
		regexp.MustCompile(`^\s*import\s+.*from\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`require\(['"]([^'"]+)['"]\)`),
	},
}

// buildGraph constructs a file-level dependency graph. Nodes are paths
// relative to the root; an edge connects an importer to the scanned file
// its import target resolves to.
func (r *Registry) buildGraph(ctx context.Context, req Request) (*Graph, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}

	g := &Graph{}
	index := map[string]int{}
	node := func(path string) int {
		if i, ok := index[path]; ok {
			return i
		}
		i := len(g.Nodes)
		index[path] = i
		g.Nodes = append(g.Nodes, path)
		return i
	}

	// target stems: bare module name -> candidate files
	byStem := map[string][]string{}
	rel := func(p string) string {
		if req.Root != "" {
			if rp, err := filepath.Rel(req.Root, p); err == nil {
				return rp
			}
		}
		return p
	}
	for _, sf := range files {
		rp := rel(sf.Path)
		node(rp)
		stem := strings.TrimSuffix(filepath.Base(sf.Path), filepath.Ext(sf.Path))
		byStem[stem] = append(byStem[stem], rp)
		// directory name also resolves (go packages, python packages)
		byStem[filepath.Base(filepath.Dir(sf.Path))] = append(byStem[filepath.Base(filepath.Dir(sf.Path))], rp)
	}

	seen := map[[2]int]bool{}
	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pats, ok := importPatterns[sf.Language]
		if !ok {
			continue
		}
		from := node(rel(sf.Path))
		for _, line := range sf.Lines {
			for _, pat := range pats {
				m := pat.FindStringSubmatch(line)
				if m == nil {
					continue
				}
				target := m[1]
				// last path segment names the module
				target = strings.TrimSuffix(target, "/")
				if idx := strings.LastIndexAny(target, "/.:"); idx >= 0 {
					target = target[idx+1:]
				}
				for _, dst := range byStem[target] {
					to := index[dst]
					if to == from || seen[[2]int{from, to}] {
						continue
					}
					seen[[2]int{from, to}] = true
					g.Edges = append(g.Edges, Edge{From: from, To: to})
				}
			}
		}
	}

	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})
	return g, nil
}

// analyzeDag builds (or fetches from the DAG cache) the dependency graph.
func (r *Registry) analyzeDag(ctx context.Context, req Request) (*Report, error) {
	dagType := req.Options["dag-type"]
	if dagType == "" {
		dagType = "import-graph"
	}
	key := cache.DagKey{Path: req.Root, DagType: dagType}

	g, ok := r.dagCache.Get(key)
	if !ok {
		var err error
		g, err = r.buildGraph(ctx, req)
		if err != nil {
			return nil, err
		}
		_ = r.dagCache.Put(key, g)
	}

	rep := newReport(Dag, req)
	rep.Graph = g
	rep.Totals["nodes"] = float64(len(g.Nodes))
	rep.Totals["edges"] = float64(len(g.Edges))
	return rep, nil
}

// analyzeGraphMetrics computes degree, cycle and component metrics over
// the dependency graph.
func (r *Registry) analyzeGraphMetrics(ctx context.Context, req Request) (*Report, error) {
	dagReq := req
	dagReq.Kind = Dag
	dagRep, err := r.analyzeDag(ctx, dagReq)
	if err != nil {
		return nil, err
	}
	g := dagRep.Graph

	rep := newReport(GraphMetrics, req)
	rep.Graph = g

	inDeg := make([]int, len(g.Nodes))
	outDeg := make([]int, len(g.Nodes))
	adj := make([][]int, len(g.Nodes))
	for _, e := range g.Edges {
		outDeg[e.From]++
		inDeg[e.To]++
		adj[e.From] = append(adj[e.From], e.To)
	}

	sccs := stronglyConnected(len(g.Nodes), adj)
	cyclic := 0
	for _, comp := range sccs {
		if len(comp) > 1 {
			cyclic++
			names := make([]string, len(comp))
			for i, n := range comp {
				names[i] = g.Nodes[n]
			}
			sort.Strings(names)
			rep.Findings = append(rep.Findings, Finding{
				Path:     names[0],
				Rule:     "dependency-cycle",
				Message:  fmt.Sprintf("cycle through %d files: %s", len(names), strings.Join(names, " -> ")),
				Severity: "warning",
			})
		}
	}

	maxDeg := 0
	for i, name := range g.Nodes {
		deg := inDeg[i] + outDeg[i]
		if deg > maxDeg {
			maxDeg = deg
		}
		rep.Files = append(rep.Files, FileReport{
			Path: name,
			Metrics: map[string]float64{
				"in_degree":  float64(inDeg[i]),
				"out_degree": float64(outDeg[i]),
				"centrality": degreeCentrality(inDeg[i]+outDeg[i], len(g.Nodes)),
			},
		})
	}

	rep.Totals["nodes"] = float64(len(g.Nodes))
	rep.Totals["edges"] = float64(len(g.Edges))
	rep.Totals["components"] = float64(len(sccs))
	rep.Totals["cycles"] = float64(cyclic)
	rep.Totals["max_degree"] = float64(maxDeg)
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}

func degreeCentrality(degree, nodes int) float64 {
	if nodes <= 1 {
		return 0
	}
	return float64(degree) / float64(nodes-1)
}

// stronglyConnected runs Tarjan's algorithm iteratively and returns the
// strongly connected components.
func stronglyConnected(n int, adj [][]int) [][]int {
	const unvisited = -1
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
	}

	var (
		counter int
		stack   []int
		sccs    [][]int
	)

	type frame struct {
		node int
		next int
	}

	for start := 0; start < n; start++ {
		if index[start] != unvisited {
			continue
		}
		frames := []frame{{node: start}}
		index[start] = counter
		lowlink[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			v := f.node
			if f.next < len(adj[v]) {
				w := adj[v][f.next]
				f.next++
				if index[w] == unvisited {
					index[w] = counter
					lowlink[w] = counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{node: w})
				} else if onStack[w] && index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
				continue
			}

			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}
			if lowlink[v] == index[v] {
				var comp []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				sort.Ints(comp)
				sccs = append(sccs, comp)
			}
		}
	}
	return sccs
}
