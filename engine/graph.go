// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import "fmt"

// Stage is one step of the pipeline: a single node or a parallel group
// of nodes with no mutual data dependency.
type Stage struct {
	Name  string
	Nodes []*AgentSpec
}

// Parallel reports whether the stage fans out.
func (s Stage) Parallel() bool { return len(s.Nodes) > 1 }

// Graph is the static pipeline description consumed by the
// orchestrator: an ordered stage list plus the one permitted back-edge
// from the audit stage to the design stage.
type Graph struct {
	Stages []Stage

	// EntryStage optionally runs before Stages[0] and may short-
	// circuit the run by requesting clarification.
	EntryStage *Stage

	// AuditStage names the stage whose verdict drives the revision
	// predicate; RevisionTarget names the stage re-entered on
	// needs_revision.
	AuditStage     string
	RevisionTarget string
}

// Validate checks structural soundness: non-empty stages, unique node
// ids, single-writer fields, and resolvable audit/revision stages with
// the revision edge pointing backwards.
func (g *Graph) Validate() error {
	if len(g.Stages) == 0 {
		return fmt.Errorf("graph has no stages")
	}

	nodeIDs := make(map[string]string)
	fields := make(map[string]string)

	checkStage := func(st Stage) error {
		if st.Name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if len(st.Nodes) == 0 {
			return fmt.Errorf("stage %s has no nodes", st.Name)
		}
		for _, n := range st.Nodes {
			if n.ID == "" {
				return fmt.Errorf("stage %s has a node with empty id", st.Name)
			}
			if prev, dup := nodeIDs[n.ID]; dup {
				return fmt.Errorf("node id %s appears in stages %s and %s", n.ID, prev, st.Name)
			}
			nodeIDs[n.ID] = st.Name
			if n.Field != "" {
				if prev, dup := fields[n.Field]; dup {
					return fmt.Errorf("field %s written by both %s and %s", n.Field, prev, n.ID)
				}
				fields[n.Field] = n.ID
			}
			if n.Role == "" {
				return fmt.Errorf("node %s has no pool role", n.ID)
			}
			if n.BuildPrompt == nil {
				return fmt.Errorf("node %s has no prompt builder", n.ID)
			}
		}
		return nil
	}

	if g.EntryStage != nil {
		if err := checkStage(*g.EntryStage); err != nil {
			return err
		}
	}
	for _, st := range g.Stages {
		if err := checkStage(st); err != nil {
			return err
		}
	}

	auditIdx, targetIdx := -1, -1
	for i, st := range g.Stages {
		switch st.Name {
		case g.AuditStage:
			auditIdx = i
		case g.RevisionTarget:
			targetIdx = i
		}
	}
	if g.AuditStage != "" {
		if auditIdx < 0 {
			return fmt.Errorf("audit stage %s not found", g.AuditStage)
		}
		if targetIdx < 0 {
			return fmt.Errorf("revision target stage %s not found", g.RevisionTarget)
		}
		if targetIdx >= auditIdx {
			return fmt.Errorf("revision edge must point backwards: %s (stage %d) -> %s (stage %d)",
				g.AuditStage, auditIdx, g.RevisionTarget, targetIdx)
		}
	}

	return nil
}

// stageIndex returns the index of a named stage, or -1.
func (g *Graph) stageIndex(name string) int {
	for i, st := range g.Stages {
		if st.Name == name {
			return i
		}
	}
	return -1
}
