package dag

import "stageflow/internal/core"

// GraphHash is the deterministic identity of a PipelineGraph.
//
// It is computed from the stage and action definitions only and is stable
// across map iteration order of procedure parameters.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// ActionRef addresses an action within a pipeline.
type ActionRef struct {
	Stage  string `json:"stage"`
	Action string `json:"action"`
}

func (r ActionRef) String() string { return r.Stage + "/" + r.Action }

// ActionNode is an immutable action within a PipelineGraph.
type ActionNode struct {
	Def        core.ActionDef
	StageIndex int
	// Position is the index of the action within its stage.
	Position int

	stage string
	index int // global declaration order
}

// Ref returns the action's pipeline-wide address.
func (n *ActionNode) Ref() ActionRef { return ActionRef{Stage: n.stage, Action: n.Def.Name} }

// StageNode is an immutable stage within a PipelineGraph.
type StageNode struct {
	Name    string
	Index   int
	Policy  core.Policy
	Actions []*ActionNode
}

// LineageEntry records who produces an artifact and who consumes it.
type LineageEntry struct {
	Artifact  string      `json:"artifact"`
	Producer  ActionRef   `json:"producer"`
	Consumers []ActionRef `json:"consumers"`
}
