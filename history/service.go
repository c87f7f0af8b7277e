// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"archpilot/platform/shared/logger"
)

const (
	// defaultLookupTimeout bounds how long a historical lookup may
	// delay pipeline entry.
	defaultLookupTimeout = 5 * time.Second

	// minSimilarity filters out incidental keyword overlap.
	minSimilarity = 0.15

	// maxLessons caps how many past runs are folded into the context.
	maxLessons = 3
)

// LearningService turns past run feedback into prompt context for new
// runs. All failures degrade to an empty context; historical learning
// never blocks or fails a pipeline.
type LearningService struct {
	searcher FeedbackSearcher
	log      *logger.Logger
	timeout  time.Duration
}

// NewLearningService creates a learning service over a feedback
// searcher. A nil searcher yields a service that always returns an
// empty context.
func NewLearningService(searcher FeedbackSearcher, log *logger.Logger) *LearningService {
	if log == nil {
		log = logger.New("history")
	}
	return &LearningService{
		searcher: searcher,
		log:      log,
		timeout:  defaultLookupTimeout,
	}
}

// Context builds a lessons-learned prompt fragment for the given
// requirements text. Returns "" when nothing relevant is found or the
// backend is unavailable.
func (s *LearningService) Context(ctx context.Context, runID, requirements string) string {
	if s.searcher == nil {
		return ""
	}

	keywords := ExtractKeywords(requirements)
	if len(keywords) == 0 {
		return ""
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.searcher.SearchByKeywords(lookupCtx, keywords, 25)
	if err != nil {
		s.log.Warn(runID, "historical lookup failed, continuing without lessons", map[string]any{
			"error": err.Error(),
		})
		return ""
	}
	if len(records) == 0 {
		return ""
	}

	type scored struct {
		fb    Feedback
		score float64
	}
	var matches []scored
	for _, fb := range records {
		if score := Similarity(keywords, fb.Keywords); score >= minSimilarity {
			matches = append(matches, scored{fb, score})
		}
	}
	if len(matches) == 0 {
		return ""
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > maxLessons {
		matches = matches[:maxLessons]
	}

	var sb strings.Builder
	sb.WriteString("Lessons from similar past projects:\n")
	for _, m := range matches {
		outcome := "succeeded"
		if !m.fb.Success {
			outcome = "had problems"
		}
		fmt.Fprintf(&sb, "- A similar project (%s, rated %d/5) %s: %s\n",
			m.fb.CloudProvider, m.fb.OutcomeRating, outcome, m.fb.Summary)
	}

	s.log.Info(runID, "applied historical lessons", map[string]any{
		"matches": len(matches),
	})
	return sb.String()
}
