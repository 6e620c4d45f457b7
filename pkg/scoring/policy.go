package scoring

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// Weights are the coefficients of the performance_based composite score
type Weights struct {
	Utilization float64 `mapstructure:"utilization" yaml:"utilization"`
	Queue       float64 `mapstructure:"queue" yaml:"queue"`
	Speed       float64 `mapstructure:"speed" yaml:"speed"`
	Priority    float64 `mapstructure:"priority" yaml:"priority"`
}

// DefaultWeights returns 0.3/0.3/0.2/0.2
func DefaultWeights() Weights {
	return Weights{Utilization: 0.3, Queue: 0.3, Speed: 0.2, Priority: 0.2}
}

// Policy ranks candidate nodes. It holds no node state; the only mutable
// piece is the RNG used by round_robin.
type Policy struct {
	weights Weights

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Policy
type Option func(*Policy)

// WithWeights overrides the composite score weights
func WithWeights(w Weights) Option {
	return func(p *Policy) { p.weights = w }
}

// WithRand injects the RNG used by round_robin; tests pass a seeded source
func WithRand(r *rand.Rand) Option {
	return func(p *Policy) { p.rng = r }
}

// NewPolicy creates a scoring policy
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{weights: DefaultWeights()}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p
}

// Weights returns the configured weights
func (p *Policy) Weights() Weights {
	return p.weights
}

// Score computes the performance_based composite score for n
func (p *Policy) Score(n *models.Node) float64 {
	w := p.weights
	perf := n.Performance

	headroom := 1 - perf.UtilizationPercent/100
	queue := math.Max(0, float64(10-perf.QueueLength)) / 10
	speed := 1 / math.Max(1, perf.AvgInferenceTimeMs)
	priority := float64(n.Priority) / 100

	return w.Utilization*headroom + w.Queue*queue + w.Speed*speed + w.Priority*priority
}

// Rank returns candidates in preference order under cfg.Algorithm.
// The input slice is not modified.
func (p *Policy) Rank(candidates []models.Node, cfg models.LoadBalancingConfig) []models.Node {
	if len(candidates) == 0 {
		return nil
	}
	ranked := append([]models.Node(nil), candidates...)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].ID < ranked[j].ID })

	switch cfg.Algorithm {
	case models.AlgorithmRoundRobin:
		p.mu.Lock()
		p.rng.Shuffle(len(ranked), func(i, j int) { ranked[i], ranked[j] = ranked[j], ranked[i] })
		p.mu.Unlock()

	case models.AlgorithmLeastLoaded:
		sort.SliceStable(ranked, func(i, j int) bool {
			a, b := ranked[i].Performance, ranked[j].Performance
			if a.QueueLength != b.QueueLength {
				return a.QueueLength < b.QueueLength
			}
			return a.UtilizationPercent < b.UtilizationPercent
		})

	case models.AlgorithmGeographic:
		if cfg.PreferredLocation != "" {
			var local []models.Node
			for _, n := range ranked {
				if strings.EqualFold(n.Location, cfg.PreferredLocation) {
					local = append(local, n)
				}
			}
			if len(local) > 0 {
				ranked = local
			}
		}
		p.byScore(ranked)

	default:
		p.byScore(ranked)
	}
	return ranked
}

// Select returns the best candidate, or nil when there is none
func (p *Policy) Select(candidates []models.Node, cfg models.LoadBalancingConfig) *models.Node {
	ranked := p.Rank(candidates, cfg)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}

func (p *Policy) byScore(nodes []models.Node) {
	scores := make(map[string]float64, len(nodes))
	for i := range nodes {
		scores[nodes[i].ID] = p.Score(&nodes[i])
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return scores[nodes[i].ID] > scores[nodes[j].ID]
	})
}
