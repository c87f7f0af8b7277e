// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"regexp"
	"sort"
	"strings"
)

// maxKeywords caps the keyword set extracted per requirements text.
const maxKeywords = 20

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "our": {},
	"should": {}, "that": {}, "the": {}, "this": {}, "to": {}, "want": {},
	"we": {}, "will": {}, "with": {}, "would": {}, "need": {}, "needs": {},
	"must": {}, "can": {}, "using": {}, "use": {}, "build": {}, "system": {},
}

// technicalPatterns match domain terms that should always survive
// extraction, even when short or hyphenated.
var technicalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(kubernetes|k8s|docker|terraform|serverless|lambda|fargate|ecs|eks|aks|gke)\b`),
	regexp.MustCompile(`(?i)\b(postgres(?:ql)?|mysql|mongodb|redis|dynamodb|cosmos\s?db|cassandra|elasticsearch)\b`),
	regexp.MustCompile(`(?i)\b(kafka|rabbitmq|sqs|sns|event\s?hub|pubsub|grpc|graphql|rest|websocket)\b`),
	regexp.MustCompile(`(?i)\b(vpc|vnet|subnet|load\s?balancer|cdn|waf|api\s?gateway|cloudfront)\b`),
	regexp.MustCompile(`(?i)\b(multi-region|multi-az|high\s?availability|disaster\s?recovery|auto\s?scal\w*)\b`),
	regexp.MustCompile(`(?i)\b(hipaa|gdpr|pci-?dss|soc\s?2|fedramp|iso\s?27001)\b`),
}

// ExtractKeywords derives a normalized keyword set from free-form
// requirements text. Technical terms are matched first, then remaining
// significant words fill the set up to the cap.
func ExtractKeywords(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var keywords []string

	add := func(word string) {
		word = strings.ToLower(strings.TrimSpace(word))
		word = strings.Join(strings.Fields(word), " ")
		if word == "" {
			return
		}
		if _, dup := seen[word]; dup {
			return
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
	}

	for _, pat := range technicalPatterns {
		for _, m := range pat.FindAllString(text, -1) {
			add(m)
		}
	}

	wordPattern := regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9-]{3,}`)
	for _, w := range wordPattern.FindAllString(text, -1) {
		if len(keywords) >= maxKeywords {
			break
		}
		lw := strings.ToLower(w)
		if _, stop := stopWords[lw]; stop {
			continue
		}
		add(lw)
	}

	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	sort.Strings(keywords)
	return keywords
}

// Similarity scores the overlap of two keyword sets in [0, 1]. The base
// score is Jaccard overlap; three or more shared terms earn a boost so
// strongly related runs rank clearly above incidental overlap.
func Similarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(a))
	for _, k := range a {
		setA[k] = struct{}{}
	}

	shared := 0
	union := len(setA)
	for _, k := range b {
		if _, ok := setA[k]; ok {
			shared++
		} else {
			union++
		}
	}
	if shared == 0 {
		return 0
	}

	score := float64(shared) / float64(union)
	if shared >= 3 {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
