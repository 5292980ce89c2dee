package dag

import (
	"sort"
	"strings"

	"stageflow/internal/core"
)

// PipelineGraph is an immutable, validated pipeline definition.
//
// It is safe for concurrent read access.
type PipelineGraph struct {
	name   string
	def    core.PipelineDef
	stages []*StageNode
	nodes  []*ActionNode // declaration order

	producers map[string]*ActionNode
	consumers map[string][]*ActionNode

	outgoing [][]int // by node index, sorted ascending
	incoming [][]int
	indeg    []int

	hash GraphHash
}

// Build validates def and returns the executable graph.
//
// Validation runs immediately and rejects:
//   - empty pipeline, stage, action or artifact names; unknown policies
//   - duplicate stage names, and duplicate action names within a stage
//   - an artifact declared as output more than once in the pipeline
//   - inputs without a producer in an earlier stage, or earlier in the same
//     sequential stage (a DependencyError naming artifact and consumer)
//   - negative timeouts and retry bounds
//
// The input is never mutated; the graph keeps its own copy.
func Build(def core.PipelineDef) (*PipelineGraph, error) {
	def = def.Clone()
	if strings.TrimSpace(def.Name) == "" {
		return nil, invalidf("pipeline name is required")
	}
	if len(def.Stages) == 0 {
		return nil, invalidf("pipeline %q has no stages", def.Name)
	}

	g := &PipelineGraph{
		name:      def.Name,
		producers: make(map[string]*ActionNode),
		consumers: make(map[string][]*ActionNode),
	}

	stageNames := make(map[string]struct{}, len(def.Stages))
	for si := range def.Stages {
		sd := &def.Stages[si]
		if strings.TrimSpace(sd.Name) == "" {
			return nil, invalidf("stage %d: name is required", si)
		}
		if _, dup := stageNames[sd.Name]; dup {
			return nil, invalidf("duplicate stage name: %q", sd.Name)
		}
		stageNames[sd.Name] = struct{}{}
		if sd.Policy == "" {
			sd.Policy = core.PolicySequential
		}
		if !sd.Policy.Valid() {
			return nil, invalidf("stage %q: unknown policy %q", sd.Name, sd.Policy)
		}
		if len(sd.Actions) == 0 {
			return nil, invalidf("stage %q has no actions", sd.Name)
		}

		stage := &StageNode{Name: sd.Name, Index: si, Policy: sd.Policy}
		actionNames := make(map[string]struct{}, len(sd.Actions))
		for ai := range sd.Actions {
			ad := &sd.Actions[ai]
			if err := validateAction(sd.Name, ad); err != nil {
				return nil, err
			}
			if _, dup := actionNames[ad.Name]; dup {
				return nil, invalidf("stage %q: duplicate action name: %q", sd.Name, ad.Name)
			}
			actionNames[ad.Name] = struct{}{}
			if ad.Timeout == 0 {
				ad.Timeout = core.DefaultActionTimeout
			}

			node := &ActionNode{Def: *ad, StageIndex: si, Position: ai, stage: sd.Name, index: len(g.nodes)}
			stage.Actions = append(stage.Actions, node)
			g.nodes = append(g.nodes, node)
		}
		g.stages = append(g.stages, stage)
	}

	if err := g.resolveArtifacts(); err != nil {
		return nil, err
	}
	g.def = def
	g.buildEdges()
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.hash = computeGraphHash(def)
	return g, nil
}

func validateAction(stage string, ad *core.ActionDef) error {
	if strings.TrimSpace(ad.Name) == "" {
		return invalidf("stage %q: action name is required", stage)
	}
	if strings.TrimSpace(ad.Procedure.Kind) == "" {
		return invalidf("action %s/%s: procedure is required", stage, ad.Name)
	}
	if ad.Timeout < 0 {
		return invalidf("action %s/%s: timeout must be >= 0", stage, ad.Name)
	}
	if ad.Retry.MaxAttempts < 0 || ad.Retry.InitialInterval < 0 || ad.Retry.MaxInterval < 0 {
		return invalidf("action %s/%s: retry bounds must be >= 0", stage, ad.Name)
	}
	seen := make(map[string]struct{}, len(ad.Inputs)+len(ad.Outputs))
	for _, in := range ad.Inputs {
		if err := core.ValidateArtifactName(in); err != nil {
			return &GraphError{Kind: core.ErrValidation, Msg: "action " + stage + "/" + ad.Name + ": " + err.Error()}
		}
		if _, dup := seen[in]; dup {
			return invalidf("action %s/%s: input %q declared twice", stage, ad.Name, in)
		}
		seen[in] = struct{}{}
	}
	outs := make(map[string]struct{}, len(ad.Outputs))
	for _, out := range ad.Outputs {
		if err := core.ValidateArtifactName(out); err != nil {
			return &GraphError{Kind: core.ErrValidation, Msg: "action " + stage + "/" + ad.Name + ": " + err.Error()}
		}
		if _, self := seen[out]; self {
			return invalidf("action %s/%s: artifact %q is both input and output", stage, ad.Name, out)
		}
		if _, dup := outs[out]; dup {
			return invalidf("action %s/%s: output %q declared twice", stage, ad.Name, out)
		}
		outs[out] = struct{}{}
	}
	return nil
}

// resolveArtifacts enforces single production and producer-before-consumer.
//
// Nodes are visited in declaration order, so a producer is "available" to a
// consumer exactly when it was registered in an earlier stage, or earlier in
// the consumer's own stage when that stage is sequential.
func (g *PipelineGraph) resolveArtifacts() error {
	for _, n := range g.nodes {
		for _, out := range n.Def.Outputs {
			if prev, dup := g.producers[out]; dup {
				return invalidf("artifact %q produced by both %s and %s", out, prev.Ref(), n.Ref())
			}
			g.producers[out] = n
		}
	}

	for _, n := range g.nodes {
		policy := g.stages[n.StageIndex].Policy
		for _, in := range n.Def.Inputs {
			p, ok := g.producers[in]
			switch {
			case !ok:
				return missingProducer(in, n.Ref(), "")
			case p.StageIndex > n.StageIndex:
				return missingProducer(in, n.Ref(), "produced later by "+p.Ref().String())
			case p.StageIndex == n.StageIndex && policy == core.PolicyParallel:
				return missingProducer(in, n.Ref(), "produced by "+p.Ref().String()+" in the same parallel stage")
			case p.StageIndex == n.StageIndex && p.Position > n.Position:
				return missingProducer(in, n.Ref(), "produced later by "+p.Ref().String())
			}
			g.consumers[in] = append(g.consumers[in], n)
		}
	}
	return nil
}

// buildEdges derives the action-level dependency graph: producer -> consumer
// for every artifact, plus declaration order within sequential stages.
func (g *PipelineGraph) buildEdges() {
	g.outgoing = make([][]int, len(g.nodes))
	g.incoming = make([][]int, len(g.nodes))
	g.indeg = make([]int, len(g.nodes))

	seen := make(map[[2]int]struct{})
	add := func(from, to int) {
		e := [2]int{from, to}
		if _, ok := seen[e]; ok {
			return
		}
		seen[e] = struct{}{}
		g.outgoing[from] = append(g.outgoing[from], to)
		g.incoming[to] = append(g.incoming[to], from)
		g.indeg[to]++
	}

	for _, n := range g.nodes {
		for _, in := range n.Def.Inputs {
			add(g.producers[in].index, n.index)
		}
	}
	for _, s := range g.stages {
		if s.Policy != core.PolicySequential {
			continue
		}
		for i := 1; i < len(s.Actions); i++ {
			add(s.Actions[i-1].index, s.Actions[i].index)
		}
	}
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
		sort.Ints(g.incoming[i])
	}
}

// Name returns the pipeline name.
func (g *PipelineGraph) Name() string { return g.name }

// Hash returns the stable identity for this graph.
func (g *PipelineGraph) Hash() GraphHash { return g.hash }

// Definition returns a copy of the normalized definition the graph was built from.
func (g *PipelineGraph) Definition() core.PipelineDef { return g.def.Clone() }

// Stages returns the stages in execution order.
func (g *PipelineGraph) Stages() []*StageNode {
	out := make([]*StageNode, len(g.stages))
	copy(out, g.stages)
	return out
}

// StageIndex returns the position of the named stage.
func (g *PipelineGraph) StageIndex(name string) (int, bool) {
	for _, s := range g.stages {
		if s.Name == name {
			return s.Index, true
		}
	}
	return 0, false
}

// Actions returns every action in declaration order.
func (g *PipelineGraph) Actions() []*ActionNode {
	out := make([]*ActionNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Producer returns the action that produces artifact.
func (g *PipelineGraph) Producer(artifact string) (ActionRef, bool) {
	n, ok := g.producers[artifact]
	if !ok {
		return ActionRef{}, false
	}
	return n.Ref(), true
}

// Consumers returns the actions consuming artifact in declaration order.
func (g *PipelineGraph) Consumers(artifact string) []ActionRef {
	nodes := g.consumers[artifact]
	out := make([]ActionRef, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Ref())
	}
	return out
}

// Lineage returns producer -> consumers for every artifact, ordered by the
// declaration order of the producing action and then by output position.
func (g *PipelineGraph) Lineage() []LineageEntry {
	var out []LineageEntry
	for _, n := range g.nodes {
		for _, art := range n.Def.Outputs {
			out = append(out, LineageEntry{
				Artifact:  art,
				Producer:  n.Ref(),
				Consumers: g.Consumers(art),
			})
		}
	}
	return out
}

// Downstream returns every action that transitively depends on artifact,
// in declaration order.
func (g *PipelineGraph) Downstream(artifact string) []ActionRef {
	visited := make([]bool, len(g.nodes))
	var stack []int
	for _, c := range g.consumers[artifact] {
		stack = append(stack, c.index)
	}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[u] {
			continue
		}
		visited[u] = true
		for _, out := range g.nodes[u].Def.Outputs {
			for _, c := range g.consumers[out] {
				if !visited[c.index] {
					stack = append(stack, c.index)
				}
			}
		}
	}
	var out []ActionRef
	for i, v := range visited {
		if v {
			out = append(out, g.nodes[i].Ref())
		}
	}
	return out
}

// CarriedInto returns the artifacts produced before stage index that are
// consumed at or after it, sorted by name. These are exactly the artifacts a
// partial re-run starting at that stage needs from an earlier run.
func (g *PipelineGraph) CarriedInto(index int) []string {
	var out []string
	for art, p := range g.producers {
		if p.StageIndex >= index {
			continue
		}
		for _, c := range g.consumers[art] {
			if c.StageIndex >= index {
				out = append(out, art)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
