package router

import (
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"agentflow/backend/internal/process"
	"agentflow/backend/pkg/models"
)

var roleSuffixes = []string{"agent", "bot", "assistant", "worker", "team"}

// MapTasksToWorkers assigns a worker to every task of the graph that has a
// recognizable owner. Tasks missing from the result run as pass-throughs.
//
// Owner names are tried in order: the contract's worker override, the task's
// lane, non-human participants the task hands off to, and finally the
// coordinating participant.
func (r *Router) MapTasksToWorkers(g *process.Graph, workers []models.WorkerRef) map[string]models.WorkerRef {
	assigned := make(map[string]models.WorkerRef)
	if len(workers) == 0 {
		for _, t := range g.Tasks() {
			r.logger.Warn("no workers registered; task runs as pass-through", "task_id", t.ID)
		}
		return assigned
	}

	names := make([]string, len(workers))
	for i, w := range workers {
		names[i] = NormalizeName(w.Name)
	}

	for _, t := range g.Tasks() {
		var owners []string
		if c, ok := g.Contract(t.ID); ok && c.Worker != "" {
			owners = append(owners, c.Worker)
		}
		if t.Lane != "" {
			owners = append(owners, t.Lane)
		}
		for _, p := range t.Handoffs {
			if !p.Human {
				owners = append(owners, p.Name)
			}
		}
		owners = append(owners, g.Coordinator.Name)

		if w, ok := matchWorker(owners, workers, names); ok {
			assigned[t.ID] = w
			continue
		}
		r.logger.Warn("task has no matching worker; running as pass-through",
			"task_id", t.ID, "task", t.DisplayName(), "owners", strings.Join(owners, ","))
	}
	return assigned
}

func matchWorker(owners []string, workers []models.WorkerRef, names []string) (models.WorkerRef, bool) {
	for _, owner := range owners {
		if strings.TrimSpace(owner) == "" {
			continue
		}
		for _, w := range workers {
			if w.ID == owner {
				return w, true
			}
		}
		norm := NormalizeName(owner)
		if norm == "" {
			continue
		}
		for i, n := range names {
			if n == norm {
				return workers[i], true
			}
		}
		if i, ok := fuzzyMatch(norm, names); ok {
			return workers[i], true
		}
	}
	return models.WorkerRef{}, false
}

// fuzzyMatch finds the closest worker name to owner. A candidate qualifies
// when all words of one name appear as whole words in the other, or when the
// names differ by a small edit distance. Short names never match loosely.
func fuzzyMatch(owner string, names []string) (int, bool) {
	best, bestDist := -1, 0
	for i, n := range names {
		if !similarNames(owner, n) {
			continue
		}
		d := fuzzy.LevenshteinDistance(n, owner)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, best >= 0
}

const minFuzzyLen = 4

func similarNames(a, b string) bool {
	if len(a) < minFuzzyLen || len(b) < minFuzzyLen {
		return false
	}
	if containsWords(a, b) || containsWords(b, a) {
		return true
	}
	shorter := min(len(a), len(b))
	limit := 1
	if shorter >= 8 {
		limit = 2
	}
	return fuzzy.LevenshteinDistance(a, b) <= limit
}

// containsWords reports whether every word of sub is a word of s.
func containsWords(s, sub string) bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		words[w] = true
	}
	for _, w := range strings.Fields(sub) {
		if !words[w] {
			return false
		}
	}
	return true
}

// NormalizeName lowercases name, collapses punctuation and strips a trailing
// role suffix such as "Agent" or "Bot".
func NormalizeName(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for len(fields) > 1 && isRoleSuffix(fields[len(fields)-1]) {
		fields = fields[:len(fields)-1]
	}
	joined := strings.Join(fields, " ")
	if len(fields) == 1 {
		for _, suffix := range roleSuffixes {
			if trimmed := strings.TrimSuffix(joined, suffix); trimmed != joined && len(trimmed) >= 3 {
				return trimmed
			}
		}
	}
	return joined
}

func isRoleSuffix(word string) bool {
	for _, s := range roleSuffixes {
		if word == s {
			return true
		}
	}
	return false
}
