package strategy

import (
	"fmt"
	"math"

	"github.com/eltociear/flower/pkg/log"
	"github.com/eltociear/flower/pkg/params"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// DPServerFixedClipping wraps an inner strategy with server-side
// differential privacy: client updates are clipped to a fixed L2 norm
// before aggregation and calibrated Gaussian noise is added to the
// aggregate.
type DPServerFixedClipping struct {
	inner             Strategy
	noiseMultiplier   float64
	clippingNorm      float64
	numSampledClients int
	noiseSrc          rand.Source

	current *params.Parameters
}

// DPOption configures the wrapper.
type DPOption func(*DPServerFixedClipping)

// WithNoiseSource fixes the Gaussian noise source; useful for
// reproducible simulations.
func WithNoiseSource(src rand.Source) DPOption {
	return func(s *DPServerFixedClipping) { s.noiseSrc = src }
}

// NewDPServerFixedClipping validates and builds the wrapper.
func NewDPServerFixedClipping(inner Strategy, noiseMultiplier, clippingNorm float64, numSampledClients int, opts ...DPOption) (*DPServerFixedClipping, error) {
	if noiseMultiplier < 0 {
		return nil, fmt.Errorf("%w: noise multiplier must be non-negative, got %v", ErrInvalidConfig, noiseMultiplier)
	}
	if clippingNorm <= 0 {
		return nil, fmt.Errorf("%w: clipping norm must be positive, got %v", ErrInvalidConfig, clippingNorm)
	}
	if numSampledClients <= 0 {
		return nil, fmt.Errorf("%w: number of sampled clients must be positive, got %d", ErrInvalidConfig, numSampledClients)
	}
	s := &DPServerFixedClipping{
		inner:             inner,
		noiseMultiplier:   noiseMultiplier,
		clippingNorm:      clippingNorm,
		numSampledClients: numSampledClients,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// InitializeParameters delegates to the inner strategy.
func (s *DPServerFixedClipping) InitializeParameters(cm ClientManager) *params.Parameters {
	return s.inner.InitializeParameters(cm)
}

// ConfigureFit records the current global parameters for the update
// computation and delegates selection to the inner strategy.
func (s *DPServerFixedClipping) ConfigureFit(round int, p *params.Parameters, cm ClientManager) []FitAssignment {
	s.current = p.Copy()
	return s.inner.ConfigureFit(round, p, cm)
}

// AggregateFit clips every client update to the configured norm,
// delegates aggregation, and noises the aggregate.
func (s *DPServerFixedClipping) AggregateFit(round int, results []FitResult, failures []error) (*params.Parameters, map[string]float64, error) {
	if s.current == nil {
		return nil, nil, fmt.Errorf("aggregate called before configure")
	}
	currentVecs, err := params.Vectors(s.current)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode current parameters: %w", err)
	}

	for _, r := range results {
		if err := s.clipResult(r, currentVecs); err != nil {
			return nil, nil, fmt.Errorf("client %d: %w", r.Client.NodeID, err)
		}
	}

	aggregated, metrics, err := s.inner.AggregateFit(round, results, failures)
	if err != nil || aggregated == nil {
		return aggregated, metrics, err
	}

	stddev := s.noiseMultiplier * s.clippingNorm / float64(s.numSampledClients)
	if stddev > 0 {
		if err := s.addNoise(aggregated, stddev); err != nil {
			return nil, nil, err
		}
	}
	log.WithComponent("dp-fixed-clipping").Debug().
		Int("round", round).
		Float64("stddev", stddev).
		Int("results", len(results)).
		Msg("Aggregated with fixed clipping")
	return aggregated, metrics, nil
}

// clipResult replaces a client's parameters with current + clip(delta).
// The clip scales the update in place by min(1, C/||delta||).
func (s *DPServerFixedClipping) clipResult(r FitResult, currentVecs [][]float64) error {
	vectors, err := params.Vectors(r.Res.Parameters)
	if err != nil {
		return err
	}
	if len(vectors) != len(currentVecs) {
		return fmt.Errorf("result has %d tensors, current parameters have %d", len(vectors), len(currentVecs))
	}

	// Turn client parameters into updates relative to the current model.
	sumSquares := 0.0
	for i, v := range vectors {
		if len(v) != len(currentVecs[i]) {
			return fmt.Errorf("tensor %d has %d values, want %d", i, len(v), len(currentVecs[i]))
		}
		floats.Sub(v, currentVecs[i])
		sumSquares += floats.Dot(v, v)
	}
	norm := math.Sqrt(sumSquares)

	scale := 1.0
	if norm > 0 {
		scale = math.Min(1, s.clippingNorm/norm)
	}
	for i, v := range vectors {
		floats.Scale(scale, v)
		floats.Add(v, currentVecs[i])
	}
	r.Res.Parameters = params.FromVectors(vectors)
	return nil
}

// addNoise adds isotropic Gaussian noise to every tensor element.
func (s *DPServerFixedClipping) addNoise(p *params.Parameters, stddev float64) error {
	normal := distuv.Normal{Mu: 0, Sigma: stddev, Src: s.noiseSrc}
	vectors, err := params.Vectors(p)
	if err != nil {
		return fmt.Errorf("failed to decode aggregated parameters: %w", err)
	}
	for _, v := range vectors {
		for i := range v {
			v[i] += normal.Rand()
		}
	}
	noised := params.FromVectors(vectors)
	p.Tensors = noised.Tensors
	p.TensorType = noised.TensorType
	return nil
}

// ConfigureEvaluate delegates to the inner strategy.
func (s *DPServerFixedClipping) ConfigureEvaluate(round int, p *params.Parameters, cm ClientManager) []EvaluateAssignment {
	return s.inner.ConfigureEvaluate(round, p, cm)
}

// AggregateEvaluate delegates to the inner strategy.
func (s *DPServerFixedClipping) AggregateEvaluate(round int, results []EvaluateResult, failures []error) (float64, map[string]float64, error) {
	return s.inner.AggregateEvaluate(round, results, failures)
}

// Evaluate delegates to the inner strategy.
func (s *DPServerFixedClipping) Evaluate(round int, p *params.Parameters) (float64, map[string]float64, bool) {
	return s.inner.Evaluate(round, p)
}
