package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/formats"
	"github.com/spherical-ai/convertx/internal/storage"
)

// A suggested target is preselected when it accounts for at least
// formatConfidence of past conversions, and its engine when that engine ran
// at least engineConfidence of them.
const (
	formatConfidence = 0.4
	engineConfidence = 0.5
)

// Where suggestions were ranked from.
const (
	SourceUser   = "user"
	SourceGlobal = "global"
	SourceNone   = "none"
)

// TargetSuggestion is one ranked target format.
type TargetSuggestion struct {
	Target           string  `json:"target"`
	Engine           string  `json:"engine,omitempty"`
	Count            int     `json:"count"`
	Confidence       float64 `json:"confidence"`
	EngineConfidence float64 `json:"engineConfidence"`
}

// Suggestions ranks the targets an input format is usually converted to.
type Suggestions struct {
	From    string             `json:"from"`
	Source  string             `json:"source"`
	Targets []TargetSuggestion `json:"targets"`
	// AutoFill is set when the first target is confident enough to preselect.
	AutoFill bool `json:"autoFill"`
	// Engine is the engine to preselect with the first target, if any.
	Engine string `json:"engine,omitempty"`
}

// Suggest ranks targets for from using the user's conversion history, or
// everyone's when the user has none. Targets no registered engine can still
// produce are dropped.
func (s *Service) Suggest(ctx context.Context, userID, from string) (*Suggestions, error) {
	if userID == "" {
		userID = DefaultUserID
	}
	from = formats.Normalize(from)
	if from == "" || !s.registry.HasInput(from) {
		return nil, domain.ValidationError(fmt.Sprintf("no engine accepts %q", from), nil)
	}
	possible := s.registry.PossibleTargets(from)

	out := &Suggestions{From: from, Source: SourceNone}
	for _, scope := range []struct{ user, source string }{{userID, SourceUser}, {"", SourceGlobal}} {
		stats, err := s.files.TargetStats(ctx, scope.user, from)
		if err != nil {
			return nil, fmt.Errorf("load conversion history: %w", err)
		}
		stats = lo.Filter(stats, func(c storage.TargetCount, _ int) bool {
			return lo.Contains(possible, c.Target)
		})
		if len(stats) > 0 {
			out.Source = scope.source
			out.Targets = rankTargets(stats)
			break
		}
	}

	if len(out.Targets) == 0 {
		out.Targets = lo.Map(possible, func(t string, _ int) TargetSuggestion {
			return TargetSuggestion{Target: t}
		})
		return out, nil
	}

	top := out.Targets[0]
	out.AutoFill = top.Confidence >= formatConfidence
	if out.AutoFill && top.EngineConfidence >= engineConfidence {
		out.Engine = top.Engine
	}
	return out, nil
}

// rankTargets folds per-engine counts into one entry per target, most used
// first, keeping each target's most used engine.
func rankTargets(stats []storage.TargetCount) []TargetSuggestion {
	total := 0
	byTarget := make(map[string]*TargetSuggestion)
	best := make(map[string]int)
	for _, c := range stats {
		total += c.Count
		t, ok := byTarget[c.Target]
		if !ok {
			t = &TargetSuggestion{Target: c.Target}
			byTarget[c.Target] = t
		}
		t.Count += c.Count
		if c.Count > best[c.Target] {
			best[c.Target] = c.Count
			t.Engine = c.Engine
		}
	}

	ranked := make([]TargetSuggestion, 0, len(byTarget))
	for _, t := range byTarget {
		t.Confidence = float64(t.Count) / float64(total)
		t.EngineConfidence = float64(best[t.Target]) / float64(t.Count)
		ranked = append(ranked, *t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Target < ranked[j].Target
	})
	return ranked
}
