package strategy

import (
	"fmt"

	"github.com/eltociear/flower/pkg/params"
	"github.com/eltociear/flower/pkg/record"
)

// Record-set names shared between the round driver and client
// applications.
const (
	FitInsParameters  = "fitins.parameters"
	FitInsConfig      = "fitins.config"
	FitResParameters  = "fitres.parameters"
	FitResMetrics     = "fitres.metrics"
	EvalInsParameters = "evalins.parameters"
	EvalInsConfig     = "evalins.config"
	EvalResMetrics    = "evalres.metrics"
	GetParametersRes  = "getparametersres.parameters"

	// KeyNumExamples and KeyLoss are the reserved metric keys of result
	// payloads.
	KeyNumExamples = "num-examples"
	KeyLoss        = "loss"
)

// EncodeFitIns embeds a fit instruction into a record set.
func EncodeFitIns(ins *FitIns) (*record.RecordSet, error) {
	rs := record.NewRecordSet()
	if err := rs.SetParameters(FitInsParameters, params.ToParametersRecord(ins.Parameters, true)); err != nil {
		return nil, err
	}
	cfg := ins.Config
	if cfg == nil {
		cfg = record.NewConfigsRecord()
	}
	if err := rs.SetConfigs(FitInsConfig, cfg); err != nil {
		return nil, err
	}
	return rs, nil
}

// DecodeFitIns reads a fit instruction from a record set.
func DecodeFitIns(rs *record.RecordSet) (*FitIns, error) {
	rec, err := rs.Parameters(FitInsParameters)
	if err != nil {
		return nil, fmt.Errorf("fit instruction without parameters: %w", err)
	}
	cfg, err := rs.Configs(FitInsConfig)
	if err != nil {
		cfg = record.NewConfigsRecord()
	}
	return &FitIns{Parameters: params.FromParametersRecord(rec, true), Config: cfg}, nil
}

// EncodeFitRes embeds a fit result into a record set.
func EncodeFitRes(res *FitRes) (*record.RecordSet, error) {
	rs := record.NewRecordSet()
	if err := rs.SetParameters(FitResParameters, params.ToParametersRecord(res.Parameters, true)); err != nil {
		return nil, err
	}
	metrics := res.Metrics
	if metrics == nil {
		metrics = record.NewMetricsRecord()
	}
	if err := metrics.Set(KeyNumExamples, res.NumExamples); err != nil {
		return nil, err
	}
	if err := rs.SetMetrics(FitResMetrics, metrics); err != nil {
		return nil, err
	}
	return rs, nil
}

// DecodeFitRes reads a fit result from a record set.
func DecodeFitRes(rs *record.RecordSet) (*FitRes, error) {
	rec, err := rs.Parameters(FitResParameters)
	if err != nil {
		return nil, fmt.Errorf("fit result without parameters: %w", err)
	}
	metrics, err := rs.Metrics(FitResMetrics)
	if err != nil {
		return nil, fmt.Errorf("fit result without metrics: %w", err)
	}
	numExamples, err := metricInt(metrics, KeyNumExamples)
	if err != nil {
		return nil, err
	}
	return &FitRes{
		Parameters:  params.FromParametersRecord(rec, true),
		NumExamples: numExamples,
		Metrics:     metrics,
	}, nil
}

// EncodeEvaluateIns embeds an evaluation instruction into a record set.
func EncodeEvaluateIns(ins *EvaluateIns) (*record.RecordSet, error) {
	rs := record.NewRecordSet()
	if err := rs.SetParameters(EvalInsParameters, params.ToParametersRecord(ins.Parameters, true)); err != nil {
		return nil, err
	}
	cfg := ins.Config
	if cfg == nil {
		cfg = record.NewConfigsRecord()
	}
	if err := rs.SetConfigs(EvalInsConfig, cfg); err != nil {
		return nil, err
	}
	return rs, nil
}

// DecodeEvaluateIns reads an evaluation instruction from a record set.
func DecodeEvaluateIns(rs *record.RecordSet) (*EvaluateIns, error) {
	rec, err := rs.Parameters(EvalInsParameters)
	if err != nil {
		return nil, fmt.Errorf("evaluate instruction without parameters: %w", err)
	}
	cfg, err := rs.Configs(EvalInsConfig)
	if err != nil {
		cfg = record.NewConfigsRecord()
	}
	return &EvaluateIns{Parameters: params.FromParametersRecord(rec, true), Config: cfg}, nil
}

// EncodeEvaluateRes embeds an evaluation result into a record set.
func EncodeEvaluateRes(res *EvaluateRes) (*record.RecordSet, error) {
	rs := record.NewRecordSet()
	metrics := res.Metrics
	if metrics == nil {
		metrics = record.NewMetricsRecord()
	}
	if err := metrics.Set(KeyLoss, res.Loss); err != nil {
		return nil, err
	}
	if err := metrics.Set(KeyNumExamples, res.NumExamples); err != nil {
		return nil, err
	}
	if err := rs.SetMetrics(EvalResMetrics, metrics); err != nil {
		return nil, err
	}
	return rs, nil
}

// DecodeEvaluateRes reads an evaluation result from a record set.
func DecodeEvaluateRes(rs *record.RecordSet) (*EvaluateRes, error) {
	metrics, err := rs.Metrics(EvalResMetrics)
	if err != nil {
		return nil, fmt.Errorf("evaluate result without metrics: %w", err)
	}
	lossVal, err := metrics.Get(KeyLoss)
	if err != nil {
		return nil, err
	}
	loss, ok := lossVal.(float64)
	if !ok {
		return nil, fmt.Errorf("loss has type %T, want float64", lossVal)
	}
	numExamples, err := metricInt(metrics, KeyNumExamples)
	if err != nil {
		return nil, err
	}
	return &EvaluateRes{Loss: loss, NumExamples: numExamples, Metrics: metrics}, nil
}

// EncodeParameters embeds bare parameters, as returned by a
// get-parameters task.
func EncodeParameters(p *params.Parameters) (*record.RecordSet, error) {
	rs := record.NewRecordSet()
	if err := rs.SetParameters(GetParametersRes, params.ToParametersRecord(p, true)); err != nil {
		return nil, err
	}
	return rs, nil
}

// DecodeParameters reads bare parameters from a get-parameters result.
func DecodeParameters(rs *record.RecordSet) (*params.Parameters, error) {
	rec, err := rs.Parameters(GetParametersRes)
	if err != nil {
		return nil, fmt.Errorf("get-parameters result without parameters: %w", err)
	}
	return params.FromParametersRecord(rec, true), nil
}

func metricInt(metrics *record.MetricsRecord, key string) (int64, error) {
	v, err := metrics.Get(key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%s has type %T, want int64", key, v)
	}
	return n, nil
}
