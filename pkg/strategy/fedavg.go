package strategy

import (
	"fmt"

	"github.com/eltociear/flower/pkg/log"
	"github.com/eltociear/flower/pkg/params"
	"github.com/eltociear/flower/pkg/record"
)

// FedAvg implements example-count weighted federated averaging.
type FedAvg struct {
	// FractionFit and FractionEvaluate select this share of available
	// clients each round, floored at the respective minimum.
	FractionFit       float64
	FractionEvaluate  float64
	MinFitClients     int
	MinEvalClients    int
	MinAvailable      int
	InitialParameters *params.Parameters

	// OnFitConfig and OnEvaluateConfig build the per-round config sent
	// to clients. Nil means an empty config.
	OnFitConfig      func(round int) *record.ConfigsRecord
	OnEvaluateConfig func(round int) *record.ConfigsRecord

	// EvaluateFn enables server-side evaluation when set.
	EvaluateFn func(round int, p *params.Parameters) (float64, map[string]float64, bool)
}

// NewFedAvg creates a FedAvg strategy with full participation defaults.
func NewFedAvg() *FedAvg {
	return &FedAvg{
		FractionFit:      1.0,
		FractionEvaluate: 1.0,
		MinFitClients:    1,
		MinEvalClients:   1,
		MinAvailable:     1,
	}
}

// InitializeParameters returns the configured initial parameters, if
// any.
func (f *FedAvg) InitializeParameters(cm ClientManager) *params.Parameters {
	return f.InitialParameters
}

func (f *FedAvg) numClients(fraction float64, minimum, available int) int {
	n := int(fraction * float64(available))
	if n < minimum {
		n = minimum
	}
	return n
}

// ConfigureFit samples clients and builds one fit instruction each.
func (f *FedAvg) ConfigureFit(round int, p *params.Parameters, cm ClientManager) []FitAssignment {
	if cm.Len() < f.MinAvailable {
		log.WithComponent("fedavg").Warn().
			Int("available", cm.Len()).
			Int("required", f.MinAvailable).
			Msg("Not enough clients available, skipping fit round")
		return nil
	}
	cfg := record.NewConfigsRecord()
	if f.OnFitConfig != nil {
		cfg = f.OnFitConfig(round)
	}
	clients := cm.Sample(f.numClients(f.FractionFit, f.MinFitClients, cm.Len()))
	out := make([]FitAssignment, 0, len(clients))
	for _, c := range clients {
		out = append(out, FitAssignment{Client: c, Ins: &FitIns{Parameters: p, Config: cfg}})
	}
	return out
}

// AggregateFit folds client parameters into their example-count weighted
// mean. With no successful results it returns nil parameters and the
// round proceeds without a global update.
func (f *FedAvg) AggregateFit(round int, results []FitResult, failures []error) (*params.Parameters, map[string]float64, error) {
	if len(results) == 0 {
		return nil, nil, nil
	}

	weighted, totalExamples, err := weightedSum(results)
	if err != nil {
		return nil, nil, fmt.Errorf("round %d: %w", round, err)
	}
	for _, tensor := range weighted {
		for i := range tensor {
			tensor[i] /= float64(totalExamples)
		}
	}

	metrics := map[string]float64{
		"num_results":  float64(len(results)),
		"num_failures": float64(len(failures)),
	}
	return params.FromVectors(weighted), metrics, nil
}

// weightedSum accumulates example-count weighted tensors across results.
func weightedSum(results []FitResult) ([][]float64, int64, error) {
	var acc [][]float64
	var totalExamples int64

	for _, r := range results {
		vectors, err := params.Vectors(r.Res.Parameters)
		if err != nil {
			return nil, 0, fmt.Errorf("client %d: %w", r.Client.NodeID, err)
		}
		weight := float64(r.Res.NumExamples)
		if acc == nil {
			acc = make([][]float64, len(vectors))
			for i, v := range vectors {
				acc[i] = make([]float64, len(v))
			}
		}
		if len(vectors) != len(acc) {
			return nil, 0, fmt.Errorf("client %d returned %d tensors, want %d", r.Client.NodeID, len(vectors), len(acc))
		}
		for i, v := range vectors {
			if len(v) != len(acc[i]) {
				return nil, 0, fmt.Errorf("client %d tensor %d has %d values, want %d", r.Client.NodeID, i, len(v), len(acc[i]))
			}
			for j, x := range v {
				acc[i][j] += weight * x
			}
		}
		totalExamples += r.Res.NumExamples
	}
	if totalExamples == 0 {
		return nil, 0, fmt.Errorf("aggregate over zero examples")
	}
	return acc, totalExamples, nil
}

// ConfigureEvaluate samples clients and builds one evaluation
// instruction each.
func (f *FedAvg) ConfigureEvaluate(round int, p *params.Parameters, cm ClientManager) []EvaluateAssignment {
	if f.FractionEvaluate <= 0 || cm.Len() < f.MinAvailable {
		return nil
	}
	cfg := record.NewConfigsRecord()
	if f.OnEvaluateConfig != nil {
		cfg = f.OnEvaluateConfig(round)
	}
	clients := cm.Sample(f.numClients(f.FractionEvaluate, f.MinEvalClients, cm.Len()))
	out := make([]EvaluateAssignment, 0, len(clients))
	for _, c := range clients {
		out = append(out, EvaluateAssignment{Client: c, Ins: &EvaluateIns{Parameters: p, Config: cfg}})
	}
	return out
}

// AggregateEvaluate folds client losses into their example-count
// weighted mean.
func (f *FedAvg) AggregateEvaluate(round int, results []EvaluateResult, failures []error) (float64, map[string]float64, error) {
	if len(results) == 0 {
		return 0, nil, fmt.Errorf("round %d: no evaluation results", round)
	}
	var lossSum float64
	var totalExamples int64
	for _, r := range results {
		lossSum += r.Res.Loss * float64(r.Res.NumExamples)
		totalExamples += r.Res.NumExamples
	}
	if totalExamples == 0 {
		return 0, nil, fmt.Errorf("round %d: evaluate over zero examples", round)
	}
	metrics := map[string]float64{
		"num_results":  float64(len(results)),
		"num_failures": float64(len(failures)),
	}
	return lossSum / float64(totalExamples), metrics, nil
}

// Evaluate runs server-side evaluation when EvaluateFn is configured.
func (f *FedAvg) Evaluate(round int, p *params.Parameters) (float64, map[string]float64, bool) {
	if f.EvaluateFn == nil {
		return 0, nil, false
	}
	return f.EvaluateFn(round, p)
}
