// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"strings"
)

// AgentSpec declares one agent node: which pool role it borrows, the
// output field it owns, how its prompt is built from the current run
// state, and how its raw completion is folded back into a delta.
type AgentSpec struct {
	ID        string
	Label     string
	Role      Role
	Streaming bool

	// Field is the named output slot this node owns. Empty for nodes
	// that only drive control flow.
	Field string

	// BuildPrompt renders the system and user prompts from the state.
	BuildPrompt func(s *RunState) (system, user string)

	// Postprocess turns the raw completion into a state delta. When
	// nil, the content is written to Field verbatim.
	Postprocess func(s *RunState, content string) Delta
}

func (a *AgentSpec) delta(s *RunState, content string) Delta {
	if a.Postprocess != nil {
		return a.Postprocess(s, content)
	}
	return Delta{Fields: map[string]string{a.Field: content}}
}

// configContext renders the configuration enum set as prompt context
// lines shared by all design-facing agents.
func configContext(cfg DesignConfig) string {
	var sb strings.Builder
	sb.WriteString("Project configuration:\n")
	fmt.Fprintf(&sb, "- Scenario: %s\n", orDefault(cfg.Scenario, "greenfield"))
	fmt.Fprintf(&sb, "- Cloud provider: %s\n", orDefault(cfg.CloudProvider, "aws"))
	fmt.Fprintf(&sb, "- Cost/performance bias: %s\n", orDefault(cfg.CostBias, "balanced"))
	fmt.Fprintf(&sb, "- Compliance level: %s\n", orDefault(cfg.Compliance, "standard"))
	fmt.Fprintf(&sb, "- Reliability target: %s\n", orDefault(cfg.Reliability, "standard"))
	return sb.String()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// requirementsBase assembles the requirements text plus any user
// answers and refined requirements produced upstream.
func requirementsBase(s *RunState) string {
	var sb strings.Builder
	sb.WriteString("Requirements:\n")
	sb.WriteString(s.Request.Text)
	if s.Request.UserAnswers != "" {
		sb.WriteString("\n\nUser's clarifying answers:\n")
		sb.WriteString(s.Request.UserAnswers)
	}
	if refined := s.Fields[FieldRefinedRequirements]; refined != "" {
		sb.WriteString("\n\nRefined requirements:\n")
		sb.WriteString(refined)
	}
	return sb.String()
}

// designContext is the shared input for the two design agents:
// requirements, configuration, historical lessons, and on a revision
// pass the auditor's feedback.
func designContext(s *RunState) string {
	var sb strings.Builder
	sb.WriteString(requirementsBase(s))
	sb.WriteString("\n\n")
	sb.WriteString(configContext(s.Request.Config))
	if s.LessonsContext != "" {
		sb.WriteString("\n")
		sb.WriteString(s.LessonsContext)
	}
	if s.RevisionCount > 0 {
		if feedback := s.Fields[FieldAuditReport]; feedback != "" {
			sb.WriteString("\nYour previous design was rejected by the auditor. ")
			sb.WriteString("Address every point in this feedback:\n")
			sb.WriteString(feedback)
		}
	}
	return sb.String()
}

// reviewContext is the shared input for the analyst agents: both
// candidate designs plus the configuration.
func reviewContext(s *RunState) string {
	var sb strings.Builder
	sb.WriteString(configContext(s.Request.Config))
	sb.WriteString("\nPrimary design:\n")
	sb.WriteString(s.Fields[FieldDesign])
	sb.WriteString("\n\nAlternative design:\n")
	sb.WriteString(s.Fields[FieldRivalDesign])
	return sb.String()
}

const readyMarker = "READY"

// requirementsAgent is the conditional entry node: it either declares
// the input sufficient or produces clarifying questions that
// short-circuit the run.
var requirementsAgent = &AgentSpec{
	ID:    "requirements",
	Label: "Requirements Analyst",
	Role:  RoleMini,
	Field: FieldRequirementsQuestions,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You are a requirements analyst for cloud architecture projects. " +
			"If the requirements below are specific enough to design from, reply with the single word READY. " +
			"Otherwise reply with a numbered list of clarifying questions, nothing else."
		return system, requirementsBase(s)
	},
	Postprocess: func(s *RunState, content string) Delta {
		trimmed := strings.TrimSpace(content)
		if strings.HasPrefix(strings.ToUpper(trimmed), readyMarker) {
			return Delta{}
		}
		needed := true
		return Delta{
			Fields:              map[string]string{FieldRequirementsQuestions: trimmed},
			ClarificationNeeded: &needed,
		}
	},
}

var refineAgent = &AgentSpec{
	ID:    "refine",
	Label: "Requirements Refiner",
	Role:  RoleMini,
	Field: FieldRefinedRequirements,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You distill raw project requirements into a concise, structured requirements " +
			"summary: functional needs, scale expectations, constraints, and explicit non-goals."
		return system, requirementsBase(s) + "\n\n" + configContext(s.Request.Config)
	},
}

var designAgent = &AgentSpec{
	ID:        "design",
	Label:     "Lead Architect",
	Role:      RoleCapable,
	Streaming: true,
	Field:     FieldDesign,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You are a pragmatic lead cloud architect. Produce a complete architecture design: " +
			"component breakdown, data flow, service choices with justification, and operational notes. " +
			"Favor proven managed services over novelty."
		return system, designContext(s)
	},
}

var rivalDesignAgent = &AgentSpec{
	ID:        "rival_design",
	Label:     "Challenger Architect",
	Role:      RoleCreative,
	Streaming: true,
	Field:     FieldRivalDesign,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You are a contrarian cloud architect. Produce a deliberately different architecture " +
			"for the same requirements: different service choices, different trade-offs. " +
			"Do not converge on the obvious solution."
		return system, designContext(s)
	},
}

var securityAgent = &AgentSpec{
	ID:    "security",
	Label: "Security Analyst",
	Role:  RoleMini,
	Field: FieldSecurityReport,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You are a cloud security analyst. Review both designs and report concrete security " +
			"risks and required mitigations, ordered by severity."
		return system, reviewContext(s)
	},
}

var costAgent = &AgentSpec{
	ID:    "cost",
	Label: "Cost Analyst",
	Role:  RoleMini,
	Field: FieldCostReport,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You are a cloud cost analyst. Compare the expected cost profile of both designs " +
			"and flag the dominant cost drivers and saving opportunities in each."
		return system, reviewContext(s)
	},
}

var reliabilityAgent = &AgentSpec{
	ID:    "reliability",
	Label: "Reliability Analyst",
	Role:  RoleMini,
	Field: FieldReliabilityReport,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You are a reliability analyst. Assess failure modes, single points of failure, and " +
			"recovery characteristics of both designs against the stated reliability target."
		return system, reviewContext(s)
	},
}

const approvedMarker = "APPROVED"

var auditAgent = &AgentSpec{
	ID:    "audit",
	Label: "Design Auditor",
	Role:  RoleCapable,
	Field: FieldAuditReport,
	BuildPrompt: func(s *RunState) (string, string) {
		strictness := orDefault(s.Request.Config.Strictness, "standard")
		system := fmt.Sprintf("You are the final design auditor operating at %s strictness. "+
			"Review the primary design against the analyst reports. Start your reply with the single "+
			"word APPROVED if the design is acceptable, or NEEDS_REVISION followed by the specific "+
			"deficiencies that must be fixed.", strictness)

		var sb strings.Builder
		sb.WriteString(reviewContext(s))
		sb.WriteString("\n\nSecurity report:\n")
		sb.WriteString(s.Fields[FieldSecurityReport])
		sb.WriteString("\n\nCost report:\n")
		sb.WriteString(s.Fields[FieldCostReport])
		sb.WriteString("\n\nReliability report:\n")
		sb.WriteString(s.Fields[FieldReliabilityReport])
		return system, sb.String()
	},
	Postprocess: func(s *RunState, content string) Delta {
		status := StatusNeedsRevision
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(content)), approvedMarker) {
			status = StatusApproved
		}
		return Delta{
			Fields: map[string]string{FieldAuditReport: strings.TrimSpace(content)},
			Status: status,
		}
	},
}

var recommendAgent = &AgentSpec{
	ID:        "recommend",
	Label:     "Recommendation Writer",
	Role:      RoleCapable,
	Streaming: true,
	Field:     FieldRecommendation,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You write the final recommendation. Weigh the primary and alternative designs using " +
			"the analyst reports and the audit verdict, pick one, and justify the choice for a " +
			"technical decision-maker."

		var sb strings.Builder
		sb.WriteString(reviewContext(s))
		sb.WriteString("\n\nAudit verdict:\n")
		sb.WriteString(s.Fields[FieldAuditReport])
		return system, sb.String()
	},
	Postprocess: func(s *RunState, content string) Delta {
		// Model replies sometimes lead with a labelled verdict line;
		// normalize it away.
		trimmed := strings.TrimSpace(content)
		trimmed = strings.TrimPrefix(trimmed, "RECOMMEND:")
		return Delta{Fields: map[string]string{FieldRecommendation: strings.TrimSpace(trimmed)}}
	},
}

var terraformAgent = &AgentSpec{
	ID:        "terraform",
	Label:     "Infrastructure Coder",
	Role:      RoleCapable,
	Streaming: true,
	Field:     FieldTerraformCode,
	BuildPrompt: func(s *RunState) (string, string) {
		system := "You generate Terraform for the recommended architecture. Emit only HCL with brief " +
			"comments, organized per component. Assume the latest stable provider versions."

		var sb strings.Builder
		sb.WriteString(configContext(s.Request.Config))
		sb.WriteString("\nRecommended design:\n")
		sb.WriteString(s.Fields[FieldDesign])
		sb.WriteString("\n\nRecommendation:\n")
		sb.WriteString(s.Fields[FieldRecommendation])
		return system, sb.String()
	},
}

// DefaultGraph builds the standard pipeline: conditional requirements
// entry, refinement, dual-design fan-out, analyst fan-out, audit with
// one revision back-edge to the design stage, recommendation, and
// Terraform generation.
func DefaultGraph() *Graph {
	return &Graph{
		EntryStage: &Stage{Name: "requirements", Nodes: []*AgentSpec{requirementsAgent}},
		Stages: []Stage{
			{Name: "refine", Nodes: []*AgentSpec{refineAgent}},
			{Name: "design", Nodes: []*AgentSpec{designAgent, rivalDesignAgent}},
			{Name: "analysis", Nodes: []*AgentSpec{securityAgent, costAgent, reliabilityAgent}},
			{Name: "audit", Nodes: []*AgentSpec{auditAgent}},
			{Name: "recommend", Nodes: []*AgentSpec{recommendAgent}},
			{Name: "terraform", Nodes: []*AgentSpec{terraformAgent}},
		},
		AuditStage:     "audit",
		RevisionTarget: "design",
	}
}
