// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

// Package history persists pipeline run outcomes and feeds lessons from
// past runs back into new ones. Feedback records live in MongoDB; run
// summaries are written through to PostgreSQL for reporting.
package history

import (
	"context"
	"time"
)

// Feedback is a user-rated outcome of a past pipeline run.
type Feedback struct {
	ID                  string    `bson:"_id,omitempty" json:"id,omitempty"`
	RunID               string    `bson:"run_id" json:"run_id"`
	RequirementsSummary string    `bson:"requirements_summary" json:"requirements_summary"`
	Summary             string    `bson:"summary" json:"summary"`
	OutcomeRating       int       `bson:"outcome_rating" json:"outcome_rating"` // 1-5
	Success             bool      `bson:"success" json:"success"`
	CloudProvider       string    `bson:"cloud_provider" json:"cloud_provider"`
	Keywords            []string  `bson:"keywords" json:"keywords"`
	CreatedAt           time.Time `bson:"created_at" json:"created_at"`
}

// FeedbackSearcher finds feedback records relevant to a set of
// requirement keywords.
type FeedbackSearcher interface {
	SearchByKeywords(ctx context.Context, keywords []string, limit int) ([]Feedback, error)
}

// RunRecord is the row written to PostgreSQL after each completed run.
type RunRecord struct {
	RunID         string
	Fingerprint   string
	Status        string
	Scenario      string
	CloudProvider string
	RevisionCount int
	Cached        bool
	DurationMS    int64
	CreatedAt     time.Time
}
