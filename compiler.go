package flowz

import (
	"fmt"
)

// Severity classifies a ValidationFinding, per spec §6 Diagnostics.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ValidationFinding is one ordered entry the compiler emits while walking a
// blueprint.
type ValidationFinding struct {
	Severity Severity
	Code     string
	Path     string // e.g. "$.nodes[0:pricing]", "$.nodes[1:shipping].modules[0:std]", or "$"
	Message  string
}

// ValidationReport aggregates every ValidationFinding the compiler produced.
// It implements error, in the module ecosystem's Error[T] style, so a
// report with any Error-severity finding can be returned directly as a Go
// error (RegisterFlow does so) while remaining inspectable as structured
// data.
type ValidationReport struct {
	Findings []ValidationFinding
}

// HasErrors reports whether any finding has SeverityError. An empty report,
// or a report with only Info/Warning findings, is valid per spec §6.
func (r ValidationReport) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Error renders the report's Error-severity findings as a single message.
func (r ValidationReport) Error() string {
	msg := ""
	for _, f := range r.Findings {
		if f.Severity != SeverityError {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += fmt.Sprintf("%s: %s: %s", f.Path, f.Code, f.Message)
	}
	if msg == "" {
		return "flowz: validation report has no errors"
	}
	return "flowz: plan validation failed: " + msg
}

// PlanExplainNode is one entry in a PlanExplain outline.
type PlanExplainNode struct {
	Index      int
	Kind       NodeKind
	Name       Name
	StageName  Name
	ModuleType Name
}

// PlanExplain is a static outline of a compiled plan, returned by
// FlowRegistry.Explain without requiring an invocation.
type PlanExplain struct {
	FlowName Name
	PlanHash uint64
	Nodes    []PlanExplainNode
}

// PlanTemplate is the compiler's output: a flat, indexed array of nodes
// ready for the executor to walk in order. Position in Nodes is the node's
// stable identity for explain, per spec §4.D step 3.
type PlanTemplate struct {
	FlowName     Name
	Nodes        []BlueprintNode
	ResponseNode Name
	PlanHash     uint64
	StageNames   map[Name]bool
	NodeNames    map[Name]bool
}

// nodeAt returns the node named name and its plan index, or ok=false.
func (p *PlanTemplate) nodeAt(name Name) (BlueprintNode, int, bool) {
	for i, n := range p.Nodes {
		if n.Name == name {
			return n, i, true
		}
	}
	return BlueprintNode{}, 0, false
}

// Compile validates blueprint against catalog and, if the resulting report
// has no Error-severity findings, produces a PlanTemplate. Callers should
// check report.HasErrors() before using the returned template; an invalid
// template is still returned (partially populated) so a caller inspecting
// only the report's findings doesn't also need a separate nil check.
func Compile(bp *Blueprint, catalog *ModuleCatalog) (*PlanTemplate, ValidationReport) {
	var report ValidationReport
	nodeNames := map[Name]bool{}
	stageNames := map[Name]bool{}

	addFinding := func(sev Severity, code, path, msg string) {
		report.Findings = append(report.Findings, ValidationFinding{Severity: sev, Code: code, Path: path, Message: msg})
	}

	checkModuleSpec := func(path string, spec *ModuleNodeSpec) {
		argsType, outType, ok := catalog.TryGetSignature(spec.ModuleType)
		if !ok {
			addFinding(SeverityError, "unknown_module_type", path, fmt.Sprintf("module type %q is not registered", spec.ModuleType))
			return
		}
		if argsType != spec.ArgsType || outType != spec.OutType {
			addFinding(SeverityError, "signature_mismatch", path,
				fmt.Sprintf("module type %q registered as (%s,%s), node bound to (%s,%s)",
					spec.ModuleType, argsType, outType, spec.ArgsType, spec.OutType))
		}
	}

	checkStageModuleSpec := func(path string, m StageModuleSpec) {
		argsType, outType, ok := catalog.TryGetSignature(m.ModuleType)
		if !ok {
			addFinding(SeverityError, "unknown_module_type", path, fmt.Sprintf("module type %q is not registered", m.ModuleType))
			return
		}
		if argsType != m.ArgsType || outType != m.OutType {
			addFinding(SeverityError, "signature_mismatch", path,
				fmt.Sprintf("module type %q registered as (%s,%s), slot bound to (%s,%s)",
					m.ModuleType, argsType, outType, m.ArgsType, m.OutType))
		}
	}

	var digests []planNodeDigest

	for i, node := range bp.nodes {
		path := fmt.Sprintf("$.nodes[%d:%s]", i, node.Name)

		if node.Name == "" {
			addFinding(SeverityError, "empty_node_name", path, "node name must not be empty")
		} else if nodeNames[node.Name] {
			addFinding(SeverityError, "duplicate_node_name", path, fmt.Sprintf("node name %q already declared", node.Name))
		}
		nodeNames[node.Name] = true

		switch node.Kind {
		case NodeModule:
			if node.Module == nil {
				addFinding(SeverityError, "missing_module_spec", path, "NodeModule has no ModuleNodeSpec")
				continue
			}
			checkModuleSpec(path, node.Module)
			digests = append(digests, planNodeDigest{
				Kind: node.Kind.String(), Name: string(node.Name), ModuleType: string(node.Module.ModuleType),
			})

		case NodeStage:
			if node.Stage == nil {
				addFinding(SeverityError, "missing_stage_spec", path, "NodeStage has no StageNodeSpec")
				continue
			}
			stage := node.Stage
			if stage.StageName == "" {
				addFinding(SeverityError, "empty_stage_name", path, "stage name must not be empty")
			} else if stageNames[stage.StageName] {
				addFinding(SeverityError, "duplicate_stage_name", path, fmt.Sprintf("stage name %q already declared", stage.StageName))
			}
			stageNames[stage.StageName] = true

			ids := map[Name]bool{}
			var moduleSummary string
			for j, m := range stage.Modules {
				modPath := fmt.Sprintf("%s.modules[%d:%s]", path, j, m.ID)
				if m.ID == "" {
					addFinding(SeverityError, "empty_module_id", modPath, "stage module id must not be empty")
				} else if ids[m.ID] {
					addFinding(SeverityError, "duplicate_module_id", modPath, fmt.Sprintf("module id %q already declared in stage %q", m.ID, stage.StageName))
				}
				ids[m.ID] = true
				checkStageModuleSpec(modPath, m)
				moduleSummary += fmt.Sprintf("%s:%s:%d,", m.ID, m.ModuleType, m.Priority)
			}
			digests = append(digests, planNodeDigest{
				Kind: node.Kind.String(), Name: string(node.Name), Stage: string(stage.StageName), ModuleType: moduleSummary,
			})

		case NodeConditional:
			if node.Conditional == nil {
				addFinding(SeverityError, "missing_conditional_spec", path, "NodeConditional has no ConditionalNodeSpec")
				continue
			}
			checkModuleSpec(path+".then", &node.Conditional.Then)
			if node.Conditional.Else != nil {
				checkModuleSpec(path+".else", node.Conditional.Else)
			}
			digests = append(digests, planNodeDigest{
				Kind: node.Kind.String(), Name: string(node.Name), ModuleType: string(node.Conditional.Then.ModuleType),
			})

		default:
			addFinding(SeverityError, "unknown_node_kind", path, "node has an unrecognized kind")
		}
	}

	if bp.responseNode == "" {
		addFinding(SeverityWarning, "no_response_node", "$", "blueprint declares no response node; execution will yield flow_no_response")
	} else if !nodeNames[bp.responseNode] {
		addFinding(SeverityError, "unknown_response_node", "$", fmt.Sprintf("response node %q is not declared", bp.responseNode))
	}

	hash, err := planHash(digests)
	if err != nil {
		addFinding(SeverityError, "hash_failure", "$", err.Error())
	}

	return &PlanTemplate{
		FlowName:     bp.FlowName,
		Nodes:        bp.nodes,
		ResponseNode: bp.responseNode,
		PlanHash:     hash,
		StageNames:   stageNames,
		NodeNames:    nodeNames,
	}, report
}

// Explain produces a static PlanExplain outline from a compiled plan,
// without requiring an invocation.
func Explain(plan *PlanTemplate) PlanExplain {
	out := PlanExplain{FlowName: plan.FlowName, PlanHash: plan.PlanHash}
	for i, n := range plan.Nodes {
		entry := PlanExplainNode{Index: i, Kind: n.Kind, Name: n.Name}
		switch n.Kind {
		case NodeModule:
			if n.Module != nil {
				entry.ModuleType = n.Module.ModuleType
			}
		case NodeStage:
			if n.Stage != nil {
				entry.StageName = n.Stage.StageName
			}
		case NodeConditional:
			if n.Conditional != nil {
				entry.ModuleType = n.Conditional.Then.ModuleType
			}
		}
		out.Nodes = append(out.Nodes, entry)
	}
	return out
}
