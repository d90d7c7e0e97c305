package strategy

import (
	"math"
	"testing"

	"github.com/eltociear/flower/pkg/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func TestDPValidation(t *testing.T) {
	tests := []struct {
		name            string
		noiseMultiplier float64
		clippingNorm    float64
		sampledClients  int
		wantErr         bool
	}{
		{"valid", 1.0, 0.5, 4, false},
		{"zero noise allowed", 0.0, 0.5, 4, false},
		{"negative noise", -0.1, 0.5, 4, true},
		{"zero clipping norm", 1.0, 0.0, 4, true},
		{"negative clipping norm", 1.0, -1.0, 4, true},
		{"zero sampled clients", 1.0, 0.5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDPServerFixedClipping(NewFedAvg(), tt.noiseMultiplier, tt.clippingNorm, tt.sampledClients)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// Four clients each return [[1.0]] against current [[0.0]] with clipping
// norm 0.5 and no noise: updates clip to 0.5 and the mean is [[0.5]].
func TestDPClippedAggregation(t *testing.T) {
	dp, err := NewDPServerFixedClipping(NewFedAvg(), 0, 0.5, 4)
	require.NoError(t, err)

	current := params.FromVectors([][]float64{{0.0}})
	cm := manager(4)
	assignments := dp.ConfigureFit(1, current, cm)
	require.Len(t, assignments, 4)

	var results []FitResult
	for _, a := range assignments {
		results = append(results, FitResult{
			Client: a.Client,
			Res:    &FitRes{Parameters: params.FromVectors([][]float64{{1.0}}), NumExamples: 10},
		})
	}

	aggregated, _, err := dp.AggregateFit(1, results, nil)
	require.NoError(t, err)
	require.NotNil(t, aggregated)

	vectors, err := params.Vectors(aggregated)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, vectors[0][0], 1e-9)

	// Each sanitized result was rewritten in place
	for _, r := range results {
		v, err := params.Vectors(r.Res.Parameters)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, v[0][0], 1e-9)
	}
}

func TestDPClippingBound(t *testing.T) {
	const clippingNorm = 1.5
	dp, err := NewDPServerFixedClipping(NewFedAvg(), 0, clippingNorm, 1)
	require.NoError(t, err)

	current := params.FromVectors([][]float64{{0.5, -0.5}, {1.0}})
	dp.ConfigureFit(1, current, manager(1))

	clientParams := params.FromVectors([][]float64{{4.0, 3.0}, {-2.0}})
	results := []FitResult{{Client: Client{NodeID: 1}, Res: &FitRes{Parameters: clientParams, NumExamples: 1}}}

	_, _, err = dp.AggregateFit(1, results, nil)
	require.NoError(t, err)

	// The sanitized update must have L2 norm <= clipping norm
	sanitized, err := params.Vectors(results[0].Res.Parameters)
	require.NoError(t, err)
	currentVecs, err := params.Vectors(current)
	require.NoError(t, err)

	sumSquares := 0.0
	for i := range sanitized {
		floats.Sub(sanitized[i], currentVecs[i])
		sumSquares += floats.Dot(sanitized[i], sanitized[i])
	}
	assert.LessOrEqual(t, math.Sqrt(sumSquares), clippingNorm+1e-9)
}

func TestDPSmallUpdateNotScaled(t *testing.T) {
	dp, err := NewDPServerFixedClipping(NewFedAvg(), 0, 10.0, 1)
	require.NoError(t, err)

	current := params.FromVectors([][]float64{{0.0}})
	dp.ConfigureFit(1, current, manager(1))

	results := []FitResult{{Client: Client{NodeID: 1}, Res: &FitRes{Parameters: params.FromVectors([][]float64{{0.25}}), NumExamples: 1}}}
	aggregated, _, err := dp.AggregateFit(1, results, nil)
	require.NoError(t, err)

	vectors, err := params.Vectors(aggregated)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, vectors[0][0], 1e-9, "updates inside the norm ball pass through unscaled")
}

func TestDPNoiseScaling(t *testing.T) {
	const (
		noiseMultiplier = 2.0
		clippingNorm    = 1.0
		sampledClients  = 4
		dims            = 4000
	)
	dp, err := NewDPServerFixedClipping(NewFedAvg(), noiseMultiplier, clippingNorm, sampledClients,
		WithNoiseSource(rand.NewSource(7)))
	require.NoError(t, err)

	zero := make([]float64, dims)
	current := params.FromVectors([][]float64{zero})
	dp.ConfigureFit(1, current, manager(sampledClients))

	// All clients return the current model; the noise is the only signal.
	var results []FitResult
	for i := 0; i < sampledClients; i++ {
		results = append(results, FitResult{
			Client: Client{NodeID: int64(i + 1)},
			Res:    &FitRes{Parameters: params.FromVectors([][]float64{make([]float64, dims)}), NumExamples: 1},
		})
	}

	aggregated, _, err := dp.AggregateFit(1, results, nil)
	require.NoError(t, err)

	vectors, err := params.Vectors(aggregated)
	require.NoError(t, err)

	wantStddev := noiseMultiplier * clippingNorm / float64(sampledClients)
	gotStddev := stat.StdDev(vectors[0], nil)
	assert.InDelta(t, wantStddev, gotStddev, wantStddev*0.1)
}

func TestDPZeroNoiseMultiplierAddsNoNoise(t *testing.T) {
	dp, err := NewDPServerFixedClipping(NewFedAvg(), 0, 1.0, 2)
	require.NoError(t, err)

	current := params.FromVectors([][]float64{{0, 0}})
	dp.ConfigureFit(1, current, manager(2))

	var results []FitResult
	for i := 0; i < 2; i++ {
		results = append(results, FitResult{
			Client: Client{NodeID: int64(i + 1)},
			Res:    &FitRes{Parameters: params.FromVectors([][]float64{{0.5, 0.5}}), NumExamples: 1},
		})
	}
	aggregated, _, err := dp.AggregateFit(1, results, nil)
	require.NoError(t, err)

	vectors, err := params.Vectors(aggregated)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5}, vectors[0])
}

func TestDPAggregateBeforeConfigure(t *testing.T) {
	dp, err := NewDPServerFixedClipping(NewFedAvg(), 0, 1.0, 1)
	require.NoError(t, err)

	_, _, err = dp.AggregateFit(1, nil, nil)
	assert.Error(t, err)
}

func TestDPDelegatesEvaluate(t *testing.T) {
	inner := NewFedAvg()
	inner.EvaluateFn = func(round int, p *params.Parameters) (float64, map[string]float64, bool) {
		return 1.25, nil, true
	}
	dp, err := NewDPServerFixedClipping(inner, 0, 1.0, 1)
	require.NoError(t, err)

	loss, _, ok := dp.Evaluate(3, nil)
	assert.True(t, ok)
	assert.Equal(t, 1.25, loss)
}
