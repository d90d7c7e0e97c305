package record

import "fmt"

// checkMetricsValue admits the metrics scalar set: 64-bit ints, doubles
// and homogeneous sequences thereof.
func checkMetricsValue(v any) error {
	switch v.(type) {
	case int64, float64, []int64, []float64:
		return nil
	default:
		return fmt.Errorf("type %T not allowed in a metrics record", v)
	}
}

// checkConfigsValue admits the configs scalar set: the metrics set plus
// strings, booleans, raw bytes and sequences thereof.
func checkConfigsValue(v any) error {
	switch v.(type) {
	case int64, float64, string, bool, []byte,
		[]int64, []float64, []string, []bool, [][]byte:
		return nil
	default:
		return fmt.Errorf("type %T not allowed in a configs record", v)
	}
}

// checkArrayValue validates the payload-consistency invariant on insert.
func checkArrayValue(a Array) error {
	return a.Validate()
}

// ParametersRecord is an ordered mapping from tensor name to Array.
// Iteration order defines layer order for aggregation.
type ParametersRecord struct {
	*TypedDict[string, Array]
}

// NewParametersRecord creates an empty parameters record.
func NewParametersRecord() *ParametersRecord {
	return &ParametersRecord{NewTypedDict[string, Array](nil, checkArrayValue)}
}

// Copy returns a deep copy of the record.
func (r *ParametersRecord) Copy() *ParametersRecord {
	out := NewParametersRecord()
	r.ForEach(func(k string, v Array) bool {
		_ = out.Set(k, v.Copy())
		return true
	})
	return out
}

// MetricsRecord maps string keys to metrics scalars.
type MetricsRecord struct {
	*TypedDict[string, any]
}

// NewMetricsRecord creates an empty metrics record.
func NewMetricsRecord() *MetricsRecord {
	return &MetricsRecord{NewTypedDict[string, any](nil, checkMetricsValue)}
}

// Copy returns a deep copy of the record.
func (r *MetricsRecord) Copy() *MetricsRecord {
	out := NewMetricsRecord()
	r.ForEach(func(k string, v any) bool {
		_ = out.Set(k, copyScalar(v))
		return true
	})
	return out
}

// ConfigsRecord maps string keys to configs scalars.
type ConfigsRecord struct {
	*TypedDict[string, any]
}

// NewConfigsRecord creates an empty configs record.
func NewConfigsRecord() *ConfigsRecord {
	return &ConfigsRecord{NewTypedDict[string, any](nil, checkConfigsValue)}
}

// Copy returns a deep copy of the record.
func (r *ConfigsRecord) Copy() *ConfigsRecord {
	out := NewConfigsRecord()
	r.ForEach(func(k string, v any) bool {
		_ = out.Set(k, copyScalar(v))
		return true
	})
	return out
}

// copyScalar deep-copies slice-valued scalars so copies never alias.
func copyScalar(v any) any {
	switch s := v.(type) {
	case []int64:
		out := make([]int64, len(s))
		copy(out, s)
		return out
	case []float64:
		out := make([]float64, len(s))
		copy(out, s)
		return out
	case []string:
		out := make([]string, len(s))
		copy(out, s)
		return out
	case []bool:
		out := make([]bool, len(s))
		copy(out, s)
		return out
	case []byte:
		out := make([]byte, len(s))
		copy(out, s)
		return out
	case [][]byte:
		out := make([][]byte, len(s))
		for i, b := range s {
			out[i] = make([]byte, len(b))
			copy(out[i], b)
		}
		return out
	default:
		return v
	}
}
