// Package config loads pipeline definitions.
//
// A definition is a YAML (or JSON) document:
//
//	version: "1.0"
//	name: CicdCdkPipeline
//	stages:
//	  - name: Build
//	    policy: sequential
//	    actions:
//	      - name: Cdk_Synth
//	        procedure: command
//	        with: {run: "npx cdk synth -o cdk.out", outputs: {CdkSynthOutput: cdk.out}}
//	        inputs: [source_output]
//	        outputs: [CdkSynthOutput]
//	        timeout_seconds: 900
//	        retry: {max_attempts: 3, initial_interval: 2s}
//
// Loading checks the document against an embedded JSON schema, then the
// version constraint, then decodes it strictly. Graph-level rules (lineage,
// duplicate outputs) are left to dag.Build.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stageflow/internal/core"
)

// Error reports every problem found in a definition. It is a ValidationError.
type Error struct {
	Source   string
	Problems []string
}

func (e *Error) Error() string {
	src := e.Source
	if src == "" {
		src = "pipeline definition"
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", src, e.Problems[0])
	}
	return fmt.Sprintf("%s: %d problems:\n  - %s", src, len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

func (e *Error) Unwrap() error { return core.ErrValidation }

func invalid(source string, problems ...string) error {
	return &Error{Source: source, Problems: problems}
}

// Version is the definition format version. It accepts unquoted numbers
// (version: 1.0) without losing their textual form.
type Version string

func (v *Version) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.New("version must be a scalar")
	}
	*v = Version(node.Value)
	return nil
}

// File is the on-disk shape of a pipeline definition.
type File struct {
	Version     Version `yaml:"version"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Stages      []Stage `yaml:"stages"`
}

type Stage struct {
	Name    string   `yaml:"name"`
	Policy  string   `yaml:"policy,omitempty"`
	Actions []Action `yaml:"actions"`
}

type Action struct {
	Name           string         `yaml:"name"`
	Procedure      string         `yaml:"procedure"`
	With           map[string]any `yaml:"with,omitempty"`
	Inputs         []string       `yaml:"inputs,omitempty"`
	Outputs        []string       `yaml:"outputs,omitempty"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty"`
	Retry          *Retry         `yaml:"retry,omitempty"`
}

type Retry struct {
	MaxAttempts     int    `yaml:"max_attempts,omitempty"`
	InitialInterval string `yaml:"initial_interval,omitempty"`
	MaxInterval     string `yaml:"max_interval,omitempty"`
}

// LoadFile reads and validates the definition at path.
func LoadFile(path string) (core.PipelineDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.PipelineDef{}, fmt.Errorf("read pipeline definition: %w", err)
	}
	return parse(path, data)
}

// Parse validates an in-memory definition.
func Parse(data []byte) (core.PipelineDef, error) {
	return parse("", data)
}

func parse(source string, data []byte) (core.PipelineDef, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return core.PipelineDef{}, invalid(source, fmt.Sprintf("parse yaml: %v", err))
	}
	if doc == nil {
		return core.PipelineDef{}, invalid(source, "empty document")
	}

	problems, err := validateSchema(doc)
	if err != nil {
		return core.PipelineDef{}, invalid(source, err.Error())
	}
	if len(problems) != 0 {
		return core.PipelineDef{}, invalid(source, problems...)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return core.PipelineDef{}, invalid(source, fmt.Sprintf("decode: %v", err))
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return core.PipelineDef{}, invalid(source, "multiple documents are not supported")
	}

	if err := checkVersion(string(f.Version)); err != nil {
		return core.PipelineDef{}, invalid(source, err.Error())
	}

	def, problems := f.Definition()
	if len(problems) != 0 {
		return core.PipelineDef{}, invalid(source, problems...)
	}
	return def, nil
}

// Definition converts the file into a core definition. It returns the
// problems found instead of the first one.
func (f File) Definition() (core.PipelineDef, []string) {
	var problems []string
	def := core.PipelineDef{Name: f.Name, Stages: make([]core.StageDef, 0, len(f.Stages))}
	for _, s := range f.Stages {
		sd := core.StageDef{
			Name:    s.Name,
			Policy:  core.Policy(s.Policy),
			Actions: make([]core.ActionDef, 0, len(s.Actions)),
		}
		if sd.Policy == "" {
			sd.Policy = core.PolicySequential
		}
		for _, a := range s.Actions {
			ad := core.ActionDef{
				Name:      a.Name,
				Inputs:    a.Inputs,
				Outputs:   a.Outputs,
				Procedure: core.ProcedureRef{Kind: a.Procedure, With: a.With},
				Timeout:   time.Duration(a.TimeoutSeconds) * time.Second,
			}
			if a.Retry != nil {
				rp, err := a.Retry.policy()
				if err != nil {
					problems = append(problems, fmt.Sprintf("%s/%s: %v", s.Name, a.Name, err))
				}
				ad.Retry = rp
			}
			sd.Actions = append(sd.Actions, ad)
		}
		def.Stages = append(def.Stages, sd)
	}
	return def, problems
}

func (r Retry) policy() (core.RetryPolicy, error) {
	rp := core.RetryPolicy{MaxAttempts: r.MaxAttempts}
	var err error
	if r.InitialInterval != "" {
		if rp.InitialInterval, err = time.ParseDuration(r.InitialInterval); err != nil {
			return rp, fmt.Errorf("retry.initial_interval: %w", err)
		}
	}
	if r.MaxInterval != "" {
		if rp.MaxInterval, err = time.ParseDuration(r.MaxInterval); err != nil {
			return rp, fmt.Errorf("retry.max_interval: %w", err)
		}
	}
	if rp.MaxInterval != 0 && rp.InitialInterval > rp.MaxInterval {
		return rp, errors.New("retry.initial_interval exceeds retry.max_interval")
	}
	return rp, nil
}
