package service

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StageRef identifies a stage in the builder's adjacency declarations: a
// stage name (string) or the declared *StageBuilder / *Stage value itself.
type StageRef any

// StageBuilder assembles one immutable Stage.
type StageBuilder struct {
	name          string
	description   string
	entryPrompt   string
	prerequisites []string
	tools         []Tool
}

func NewStage(name, description string) *StageBuilder {
	return &StageBuilder{name: name, description: description}
}

// Prompt sets the prompt returned on entering the stage.
func (b *StageBuilder) Prompt(prompt string) *StageBuilder {
	b.entryPrompt = prompt
	return b
}

// Prerequisites lists state keys that must be present before the stage may
// be entered.
func (b *StageBuilder) Prerequisites(keys ...string) *StageBuilder {
	b.prerequisites = append(b.prerequisites, keys...)
	return b
}

// Tool adds a tool to the stage, keeping registration order.
func (b *StageBuilder) Tool(tool Tool) *StageBuilder {
	b.tools = append(b.tools, tool)
	return b
}

func (b *StageBuilder) build() *Stage {
	stage := &Stage{
		Name:          b.name,
		Description:   b.description,
		EntryPrompt:   b.entryPrompt,
		Prerequisites: b.prerequisites,
		toolIndex:     make(map[string]*Tool, len(b.tools)),
	}

	for i := range b.tools {
		tool := b.tools[i]
		stage.tools = append(stage.tools, &tool)
		stage.toolIndex[tool.Name] = &tool
	}

	return stage
}

// Builder is the declarative workflow surface: stages in declaration order
// (first is initial unless overridden), a transitions adjacency map, and
// per-edge state policies. All validation happens in Build.
type Builder struct {
	name        string
	description string
	stages      []*StageBuilder
	initial     string
	adjacency   []adjacencyEntry
	policies    []policyEntry
}

type adjacencyEntry struct {
	from StageRef
	to   []StageRef
}

type policyEntry struct {
	from, to StageRef
	policy   StateTransfer
}

func NewWorkflow(name, description string) *Builder {
	return &Builder{name: name, description: description}
}

// Stage declares a stage. The first declared stage is the initial one unless
// Initial is called.
func (b *Builder) Stage(stage *StageBuilder) *Builder {
	b.stages = append(b.stages, stage)
	return b
}

// Initial overrides the default initial stage.
func (b *Builder) Initial(ref StageRef) *Builder {
	b.initial, _ = refName(ref)
	return b
}

// Transitions declares the adjacency for one source stage. Keys may be stage
// names or the declared stage values.
func (b *Builder) Transitions(from StageRef, to ...StageRef) *Builder {
	b.adjacency = append(b.adjacency, adjacencyEntry{from: from, to: to})
	return b
}

// StatePolicy declares the transfer policy of one edge. Undeclared edges
// default to transferring all state.
func (b *Builder) StatePolicy(from, to StageRef, policy StateTransfer) *Builder {
	b.policies = append(b.policies, policyEntry{from: from, to: to, policy: policy})
	return b
}

func refName(ref StageRef) (string, bool) {
	switch v := ref.(type) {
	case string:
		return v, true
	case *StageBuilder:
		return v.name, true
	case *Stage:
		return v.Name, true
	default:
		return "", false
	}
}

// Build assembles the immutable Workflow. Transitions or policies that refer
// to undeclared stages fail here, not at runtime.
func (b *Builder) Build() (*Workflow, error) {
	if b.name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("workflow %q has no stages", b.name)
	}

	w := &Workflow{
		Name:        b.name,
		Description: b.description,
		stages:      make(map[string]*Stage, len(b.stages)),
		policies:    make(map[string]StateTransfer),
	}

	for _, sb := range b.stages {
		if sb.name == "" {
			return nil, fmt.Errorf("workflow %q: stage with empty name", b.name)
		}
		if _, exists := w.stages[sb.name]; exists {
			return nil, fmt.Errorf("workflow %q: duplicate stage %q", b.name, sb.name)
		}

		w.stages[sb.name] = sb.build()
		w.order = append(w.order, sb.name)
	}

	w.initial = b.initial
	if w.initial == "" {
		w.initial = w.order[0]
	}
	if _, ok := w.stages[w.initial]; !ok {
		return nil, fmt.Errorf("workflow %q: initial stage %q is not declared", b.name, w.initial)
	}

	for _, entry := range b.adjacency {
		from, ok := refName(entry.from)
		if !ok {
			return nil, fmt.Errorf("workflow %q: invalid transition source %T", b.name, entry.from)
		}

		stage, exists := w.stages[from]
		if !exists {
			return nil, fmt.Errorf("workflow %q: transition source %q is not declared", b.name, from)
		}

		for _, toRef := range entry.to {
			to, ok := refName(toRef)
			if !ok {
				return nil, fmt.Errorf("workflow %q: invalid transition target %T", b.name, toRef)
			}
			if _, exists := w.stages[to]; !exists {
				return nil, fmt.Errorf("workflow %q: transition target %q is not declared", b.name, to)
			}

			stage.Transitions = append(stage.Transitions, to)
		}
	}

	for _, entry := range b.policies {
		from, _ := refName(entry.from)
		to, _ := refName(entry.to)

		if !w.CanTransition(from, to) {
			return nil, fmt.Errorf("workflow %q: state policy for undeclared transition %q -> %q", b.name, from, to)
		}

		w.policies[policyKey(from, to)] = entry.policy
	}

	return w, nil
}

// ─── YAML descriptor ───

// workflowDoc is the YAML shape of a workflow descriptor. Tool handlers
// cannot be expressed in YAML; they are bound by tool name at load time.
type workflowDoc struct {
	Name         string              `yaml:"name"`
	Description  string              `yaml:"description"`
	InitialStage string              `yaml:"initial_stage"`
	Stages       []stageDoc          `yaml:"stages"`
	Transitions  map[string][]string `yaml:"transitions"`
	StatePolicy  []statePolicyDoc    `yaml:"state_management"`
}

type stageDoc struct {
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	Prompt        string    `yaml:"prompt"`
	Prerequisites []string  `yaml:"prerequisites"`
	Tools         []toolDoc `yaml:"tools"`
}

type toolDoc struct {
	Name         string         `yaml:"name"`
	Title        string         `yaml:"title"`
	Description  string         `yaml:"description"`
	InputSchema  map[string]any `yaml:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema"`
}

type statePolicyDoc struct {
	From     string   `yaml:"from"`
	To       string   `yaml:"to"`
	Transfer string   `yaml:"transfer"` // all | isolate | keys
	Keys     []string `yaml:"keys"`
}

// LoadYAML builds a workflow from a YAML descriptor, binding each declared
// tool to its handler by name. A tool without a handler fails the load.
func LoadYAML(data []byte, handlers map[string]ToolHandler) (*Workflow, error) {
	var doc workflowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow descriptor: %w", err)
	}

	b := NewWorkflow(doc.Name, doc.Description)

	for _, sd := range doc.Stages {
		sb := NewStage(sd.Name, sd.Description).
			Prompt(sd.Prompt).
			Prerequisites(sd.Prerequisites...)

		for _, td := range sd.Tools {
			handler, ok := handlers[td.Name]
			if !ok {
				return nil, fmt.Errorf("workflow %q: no handler bound for tool %q", doc.Name, td.Name)
			}

			sb.Tool(Tool{
				Name:         td.Name,
				Title:        td.Title,
				Description:  td.Description,
				InputSchema:  td.InputSchema,
				OutputSchema: td.OutputSchema,
				Handler:      handler,
			})
		}

		b.Stage(sb)
	}

	if doc.InitialStage != "" {
		b.Initial(doc.InitialStage)
	}

	for from, to := range doc.Transitions {
		refs := make([]StageRef, 0, len(to))
		for _, t := range to {
			refs = append(refs, t)
		}
		b.Transitions(from, refs...)
	}

	for _, pd := range doc.StatePolicy {
		var policy StateTransfer
		switch pd.Transfer {
		case "", "all":
			policy = TransferAllState()
		case "isolate":
			policy = Isolate()
		case "keys":
			policy = Transfer(pd.Keys...)
		default:
			return nil, fmt.Errorf("workflow %q: unknown transfer mode %q", doc.Name, pd.Transfer)
		}

		b.StatePolicy(pd.From, pd.To, policy)
	}

	return b.Build()
}
