package dag

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"stageflow/internal/core"
)

func literal(outputs ...string) core.ProcedureRef {
	m := make(map[string]any, len(outputs))
	for _, o := range outputs {
		m[o] = o
	}
	return core.ProcedureRef{Kind: "literal", With: map[string]any{"outputs": m}}
}

func cdkDefinition() core.PipelineDef {
	return core.PipelineDef{
		Name: "CicdCdkPipeline",
		Stages: []core.StageDef{
			{Name: "Source", Actions: []core.ActionDef{
				{Name: "GitHub_Source", Outputs: []string{"source_output"}, Procedure: literal("source_output")},
			}},
			{Name: "Build", Actions: []core.ActionDef{
				{Name: "Cdk_Synth", Inputs: []string{"source_output"}, Outputs: []string{"CdkSynthOutput"}, Procedure: literal("CdkSynthOutput")},
			}},
			{Name: "Deploy", Actions: []core.ActionDef{
				{Name: "Deploy", Inputs: []string{"CdkSynthOutput"}, Procedure: core.ProcedureRef{Kind: "provision"}},
			}},
		},
	}
}

func TestBuild_ValidPipeline_ComputesLineage(t *testing.T) {
	g, err := Build(cdkDefinition())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []LineageEntry{
		{Artifact: "source_output", Producer: ActionRef{"Source", "GitHub_Source"}, Consumers: []ActionRef{{"Build", "Cdk_Synth"}}},
		{Artifact: "CdkSynthOutput", Producer: ActionRef{"Build", "Cdk_Synth"}, Consumers: []ActionRef{{"Deploy", "Deploy"}}},
	}
	if got := g.Lineage(); !reflect.DeepEqual(got, want) {
		t.Fatalf("lineage mismatch\n got=%#v\nwant=%#v", got, want)
	}

	if got := g.Downstream("source_output"); !reflect.DeepEqual(got, []ActionRef{{"Build", "Cdk_Synth"}, {"Deploy", "Deploy"}}) {
		t.Fatalf("unexpected downstream: %v", got)
	}
	if got := g.CarriedInto(2); !reflect.DeepEqual(got, []string{"CdkSynthOutput"}) {
		t.Fatalf("unexpected carried artifacts: %v", got)
	}
	if got := g.CarriedInto(0); len(got) != 0 {
		t.Fatalf("expected nothing carried into the first stage, got %v", got)
	}
	if p, ok := g.Producer("CdkSynthOutput"); !ok || p.String() != "Build/Cdk_Synth" {
		t.Fatalf("unexpected producer: %v %v", p, ok)
	}
}

func TestBuild_DefaultsPolicyAndTimeout(t *testing.T) {
	g, err := Build(cdkDefinition())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range g.Stages() {
		if s.Policy != core.PolicySequential {
			t.Fatalf("stage %s: expected sequential policy, got %q", s.Name, s.Policy)
		}
		for _, a := range s.Actions {
			if a.Def.Timeout != core.DefaultActionTimeout {
				t.Fatalf("action %s: expected default timeout, got %s", a.Ref(), a.Def.Timeout)
			}
		}
	}
}

func TestBuild_MissingProducer_IsDependencyError(t *testing.T) {
	def := cdkDefinition()
	def.Stages[1].Actions[0].Inputs = []string{"sources"}

	_, err := Build(def)
	if !errors.Is(err, core.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
	var ge *GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("expected *GraphError, got %T", err)
	}
	if ge.Artifact != "sources" || ge.Action != (ActionRef{"Build", "Cdk_Synth"}) {
		t.Fatalf("error does not name artifact and consumer: %+v", ge)
	}
	if core.KindName(err) != core.KindDependency {
		t.Fatalf("unexpected kind %q", core.KindName(err))
	}
}

func TestBuild_ProducerInLaterStage_IsDependencyError(t *testing.T) {
	def := cdkDefinition()
	def.Stages[0].Actions[0].Inputs = []string{"CdkSynthOutput"}
	if _, err := Build(def); !errors.Is(err, core.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestBuild_SameStageProducer_DependsOnPolicy(t *testing.T) {
	def := core.PipelineDef{Name: "p", Stages: []core.StageDef{{
		Name: "Build",
		Actions: []core.ActionDef{
			{Name: "a", Outputs: []string{"x"}, Procedure: literal("x")},
			{Name: "b", Inputs: []string{"x"}, Procedure: literal("y"), Outputs: []string{"y"}},
		},
	}}}
	if _, err := Build(def); err != nil {
		t.Fatalf("sequential stage should allow earlier producer: %v", err)
	}

	def.Stages[0].Policy = core.PolicyParallel
	if _, err := Build(def); !errors.Is(err, core.ErrDependency) {
		t.Fatalf("parallel stage must reject same-stage producer, got %v", err)
	}

	def.Stages[0].Policy = core.PolicySequential
	def.Stages[0].Actions[0], def.Stages[0].Actions[1] = def.Stages[0].Actions[1], def.Stages[0].Actions[0]
	if _, err := Build(def); !errors.Is(err, core.ErrDependency) {
		t.Fatalf("sequential stage must reject later producer, got %v", err)
	}
}

func TestBuild_ValidationFailures(t *testing.T) {
	cases := map[string]func(*core.PipelineDef){
		"empty pipeline name": func(d *core.PipelineDef) { d.Name = "" },
		"no stages":           func(d *core.PipelineDef) { d.Stages = nil },
		"duplicate stage":     func(d *core.PipelineDef) { d.Stages[2].Name = "Build" },
		"empty stage":         func(d *core.PipelineDef) { d.Stages[2].Actions = nil },
		"unknown policy":      func(d *core.PipelineDef) { d.Stages[0].Policy = "fanout" },
		"duplicate action": func(d *core.PipelineDef) {
			d.Stages[2].Actions = append(d.Stages[2].Actions, d.Stages[2].Actions[0])
		},
		"duplicate output": func(d *core.PipelineDef) {
			d.Stages[1].Actions[0].Outputs = []string{"source_output"}
		},
		"self consumption": func(d *core.PipelineDef) {
			d.Stages[1].Actions[0].Outputs = []string{"CdkSynthOutput", "source_output"}
		},
		"invalid artifact name": func(d *core.PipelineDef) { d.Stages[0].Actions[0].Outputs = []string{"../x"} },
		"negative timeout":      func(d *core.PipelineDef) { d.Stages[0].Actions[0].Timeout = -time.Second },
		"missing procedure":     func(d *core.PipelineDef) { d.Stages[0].Actions[0].Procedure = core.ProcedureRef{} },
		"negative retry":        func(d *core.PipelineDef) { d.Stages[0].Actions[0].Retry.MaxAttempts = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			def := cdkDefinition()
			mutate(&def)
			_, err := Build(def)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("expected ErrInvalidGraph, got %v", err)
			}
			if !errors.Is(err, core.ErrValidation) && !errors.Is(err, core.ErrDependency) {
				t.Fatalf("expected validation or dependency error, got %v", err)
			}
		})
	}
}

func TestBuild_DoesNotMutateInput(t *testing.T) {
	def := cdkDefinition()
	before := def.Clone()
	if _, err := Build(def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(def, before) {
		t.Fatalf("definition was mutated")
	}
}

func TestGraphHash_StableAndSensitive(t *testing.T) {
	g1, err := Build(cdkDefinition())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g2, err := Build(cdkDefinition())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g1.Hash() != g2.Hash() {
		t.Fatalf("hash not stable: %s vs %s", g1.Hash(), g2.Hash())
	}

	def := cdkDefinition()
	def.Stages[1].Actions[0].Timeout = time.Minute
	g3, err := Build(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g3.Hash() == g1.Hash() {
		t.Fatalf("expected hash to change with the timeout")
	}

	def = cdkDefinition()
	def.Stages[0].Actions[0].Procedure.With["extra"] = "x"
	g4, err := Build(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g4.Hash() == g1.Hash() {
		t.Fatalf("expected hash to change with procedure parameters")
	}
}

func TestStageIndex(t *testing.T) {
	g, err := Build(cdkDefinition())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i, ok := g.StageIndex("Deploy"); !ok || i != 2 {
		t.Fatalf("unexpected stage index %d %v", i, ok)
	}
	if _, ok := g.StageIndex("Test"); ok {
		t.Fatalf("expected unknown stage")
	}
}

func TestValidateAcyclic_ReportsCycleWitness(t *testing.T) {
	node := func(name string) *ActionNode {
		return &ActionNode{Def: core.ActionDef{Name: name}, stage: "Build"}
	}
	// a -> b -> c -> b, with d hanging off the cycle.
	g := &PipelineGraph{
		nodes:    []*ActionNode{node("a"), node("b"), node("c"), node("d")},
		outgoing: [][]int{{1}, {2}, {1, 3}, nil},
		incoming: [][]int{nil, {0, 2}, {1}, {2}},
		indeg:    []int{0, 2, 1, 1},
	}
	err := g.validateAcyclic()
	if !errors.Is(err, ErrCycleFound) || !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	want := "cycle: Build/b -> Build/c -> Build/b"
	if got := err.Error(); got != core.ErrValidation.Error()+": cycle detected: "+want {
		t.Fatalf("unexpected message %q", got)
	}
}
