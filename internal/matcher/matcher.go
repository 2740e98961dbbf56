// Package matcher resolves loosely named resources (checkpoints, LoRAs, VAEs,
// samplers) against the names the backend actually offers.
package matcher

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/metrics"
)

// Kind is a resource category.
type Kind string

const (
	KindModel      Kind = "model"
	KindLoRA       Kind = "lora"
	KindVAE        Kind = "vae"
	KindControlNet Kind = "controlnet"
	KindSampler    Kind = "sampler"
	KindScheduler  Kind = "scheduler"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindModel, KindLoRA, KindVAE, KindControlNet, KindSampler, KindScheduler}
}

// ParseKind maps a user supplied kind name, singular or plural, to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s") {
	case "model", "checkpoint", "ckpt":
		return KindModel, true
	case "lora":
		return KindLoRA, true
	case "vae":
		return KindVAE, true
	case "controlnet", "control_net":
		return KindControlNet, true
	case "sampler":
		return KindSampler, true
	case "scheduler":
		return KindScheduler, true
	}
	return "", false
}

// Score weights.
const (
	ExactScore        = 100.0
	ContainsScore     = 50.0
	SimilarityWeight  = 30.0
	StemExactScore    = 80.0
	StemContainsScore = 40.0
	VersionScore      = 25.0
	KeywordScore      = 15.0

	// AcceptThreshold is the minimum score the best candidate needs.
	AcceptThreshold = 50.0

	maxAlternatives = 3
)

// kindRule holds the kind specific bonuses.
type kindRule struct {
	extension *regexp.Regexp
	keywords  []string
	versioned bool
}

var versionPattern = regexp.MustCompile(`v\d+(\.\d+)*`)

var kindRules = map[Kind]kindRule{
	KindModel: {
		extension: regexp.MustCompile(`\.(safetensors|ckpt|pt|pth|bin)$`),
		keywords: []string{
			"sd", "xl", "base", "refiner", "v1", "v2", "v3", "v4", "v5", "v6",
			"anime", "realistic", "checkpoint", "real", "vision", "epic", "deliberate",
			"dreamshaper", "juggernaut", "realisticvision", "epicrealism",
		},
		versioned: true,
	},
	KindLoRA: {
		extension: regexp.MustCompile(`\.(safetensors|pt|pth)$`),
		keywords:  []string{"lora", "style", "character", "concept", "clothing", "epic", "realistic"},
	},
	KindVAE: {
		extension: regexp.MustCompile(`\.(safetensors|ckpt|pt|pth)$`),
		keywords:  []string{"vae", "mse", "ema", "pruned", "ft", "sdxl"},
	},
	KindControlNet: {
		extension: regexp.MustCompile(`\.(safetensors|pt|pth)$`),
		keywords:  []string{"control", "canny", "depth", "openpose", "scribble", "mlsd"},
	},
}

// Candidate is one scored catalog entry.
type Candidate struct {
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

// Result is the outcome of a match.
type Result struct {
	Kind      Kind    `json:"kind"`
	Requested string  `json:"requested"`
	Match     string  `json:"match,omitempty"`
	Matched   bool    `json:"matched"`
	Verbatim  bool    `json:"verbatim"`
	Score     float64 `json:"score"`
	// Alternatives are the next best candidates after the winner, or the
	// best rejected ones when nothing was accepted.
	Alternatives []Candidate `json:"alternatives,omitempty"`
}

// Matcher scores candidate names against a requested one.
type Matcher struct {
	threshold float64
	logger    *zap.Logger
}

// New creates a matcher with the stock acceptance threshold.
func New(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{threshold: AcceptThreshold, logger: logger}
}

// Match finds the best catalog entry for requested. A verbatim entry wins
// outright; otherwise the top ranked candidate is accepted when its score
// reaches the threshold.
func (m *Matcher) Match(requested string, available []string, kind Kind) Result {
	res := Result{Kind: kind, Requested: requested}
	if strings.TrimSpace(requested) == "" {
		return res
	}
	for _, name := range available {
		if name == requested {
			res.Match, res.Matched, res.Verbatim, res.Score = name, true, true, ExactScore
			metrics.ResourceMatches.WithLabelValues(string(kind), "verbatim").Inc()
			return res
		}
	}

	ranked := Rank(requested, available, kind)
	if len(ranked) == 0 {
		metrics.ResourceMatches.WithLabelValues(string(kind), "no_match").Inc()
		m.logger.Debug("No candidates scored",
			zap.String("kind", string(kind)),
			zap.String("requested", requested),
			zap.Int("available", len(available)),
		)
		return res
	}

	best := ranked[0]
	res.Score = best.Score
	if best.Score >= m.threshold {
		res.Match, res.Matched = best.Name, true
		res.Alternatives = head(ranked[1:], maxAlternatives)
		metrics.ResourceMatches.WithLabelValues(string(kind), "fuzzy").Inc()
		m.logger.Debug("Matched resource",
			zap.String("kind", string(kind)),
			zap.String("requested", requested),
			zap.String("match", best.Name),
			zap.Float64("score", best.Score),
		)
		return res
	}

	res.Alternatives = head(ranked, maxAlternatives)
	metrics.ResourceMatches.WithLabelValues(string(kind), "below_threshold").Inc()
	m.logger.Debug("Best candidate below threshold",
		zap.String("kind", string(kind)),
		zap.String("requested", requested),
		zap.String("best", best.Name),
		zap.Float64("score", best.Score),
	)
	return res
}

// Rank scores every candidate and returns those with a positive score, best
// first. Equal scores keep input order.
func Rank(requested string, available []string, kind Kind) []Candidate {
	req := strings.ToLower(requested)
	out := make([]Candidate, 0, len(available))
	for _, name := range available {
		score, similarity := Score(req, strings.ToLower(name), kind)
		if score > 0 {
			out = append(out, Candidate{Name: name, Score: score, Similarity: similarity})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Score rates a lowercase candidate against a lowercase request. It returns
// the total score and the edit distance similarity in [0,1].
func Score(req, item string, kind Kind) (float64, float64) {
	score := 0.0
	if item == req {
		score += ExactScore
	}
	if strings.Contains(item, req) || strings.Contains(req, item) {
		score += ContainsScore
	}
	similarity := Similarity(item, req)
	score += similarity * SimilarityWeight

	rule, ok := kindRules[kind]
	if !ok {
		return score, similarity
	}
	itemStem := rule.extension.ReplaceAllString(item, "")
	reqStem := rule.extension.ReplaceAllString(req, "")
	if itemStem == reqStem {
		score += StemExactScore
	}
	if strings.Contains(itemStem, reqStem) || strings.Contains(reqStem, itemStem) {
		score += StemContainsScore
	}
	if rule.versioned {
		iv, rv := versionPattern.FindString(itemStem), versionPattern.FindString(reqStem)
		if iv != "" && rv != "" && iv == rv {
			score += VersionScore
		}
	}
	for _, kw := range rule.keywords {
		if strings.Contains(itemStem, kw) && strings.Contains(reqStem, kw) {
			score += KeywordScore
		}
	}
	return score, similarity
}

// Similarity is 1 minus the unit cost edit distance normalized by the longer
// string's length.
func Similarity(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func head(c []Candidate, n int) []Candidate {
	if len(c) > n {
		c = c[:n]
	}
	if len(c) == 0 {
		return nil
	}
	out := make([]Candidate, len(c))
	copy(out, c)
	return out
}
