package record

// RecordSet is the canonical typed payload carried by a message. It holds
// three named registries, one per record kind. Registry names are
// conventionally dotted, e.g. "fitins.parameters" or "fitres.status",
// and act as contracts between producer and consumer.
type RecordSet struct {
	parameters *TypedDict[string, *ParametersRecord]
	metrics    *TypedDict[string, *MetricsRecord]
	configs    *TypedDict[string, *ConfigsRecord]
}

// NewRecordSet creates an empty record set.
func NewRecordSet() *RecordSet {
	return &RecordSet{
		parameters: NewTypedDict[string, *ParametersRecord](nil, notNil[*ParametersRecord]),
		metrics:    NewTypedDict[string, *MetricsRecord](nil, notNil[*MetricsRecord]),
		configs:    NewTypedDict[string, *ConfigsRecord](nil, notNil[*ConfigsRecord]),
	}
}

func notNil[T comparable](v T) error {
	var zero T
	if v == zero {
		return errNilRecord
	}
	return nil
}

var errNilRecord = errValue("nil record")

type errValue string

func (e errValue) Error() string { return string(e) }

// SetParameters stores a parameters record under name.
func (rs *RecordSet) SetParameters(name string, r *ParametersRecord) error {
	return rs.parameters.Set(name, r)
}

// Parameters returns the parameters record stored under name.
func (rs *RecordSet) Parameters(name string) (*ParametersRecord, error) {
	return rs.parameters.Get(name)
}

// SetMetrics stores a metrics record under name.
func (rs *RecordSet) SetMetrics(name string, r *MetricsRecord) error {
	return rs.metrics.Set(name, r)
}

// Metrics returns the metrics record stored under name.
func (rs *RecordSet) Metrics(name string) (*MetricsRecord, error) {
	return rs.metrics.Get(name)
}

// SetConfigs stores a configs record under name.
func (rs *RecordSet) SetConfigs(name string, r *ConfigsRecord) error {
	return rs.configs.Set(name, r)
}

// Configs returns the configs record stored under name.
func (rs *RecordSet) Configs(name string) (*ConfigsRecord, error) {
	return rs.configs.Get(name)
}

// ParametersNames returns the registered parameters record names in
// insertion order. MetricsNames and ConfigsNames are analogous.
func (rs *RecordSet) ParametersNames() []string { return rs.parameters.Keys() }

func (rs *RecordSet) MetricsNames() []string { return rs.metrics.Keys() }

func (rs *RecordSet) ConfigsNames() []string { return rs.configs.Keys() }

// DeleteParameters removes the parameters record stored under name.
func (rs *RecordSet) DeleteParameters(name string) error { return rs.parameters.Delete(name) }

// Copy returns a deep copy of the record set. Messages crossing task
// boundaries carry copies so executors never alias scheduler state.
func (rs *RecordSet) Copy() *RecordSet {
	out := NewRecordSet()
	rs.parameters.ForEach(func(name string, r *ParametersRecord) bool {
		_ = out.parameters.Set(name, r.Copy())
		return true
	})
	rs.metrics.ForEach(func(name string, r *MetricsRecord) bool {
		_ = out.metrics.Set(name, r.Copy())
		return true
	})
	rs.configs.ForEach(func(name string, r *ConfigsRecord) bool {
		_ = out.configs.Set(name, r.Copy())
		return true
	})
	return out
}

// Equal reports structural equality of the three registries.
func (rs *RecordSet) Equal(other *RecordSet) bool {
	if len(rs.parameters.keys) != len(other.parameters.keys) ||
		len(rs.metrics.keys) != len(other.metrics.keys) ||
		len(rs.configs.keys) != len(other.configs.keys) {
		return false
	}
	equal := true
	rs.parameters.ForEach(func(name string, r *ParametersRecord) bool {
		o, err := other.parameters.Get(name)
		if err != nil || !r.TypedDict.Equal(o.TypedDict) {
			equal = false
		}
		return equal
	})
	rs.metrics.ForEach(func(name string, r *MetricsRecord) bool {
		o, err := other.metrics.Get(name)
		if err != nil || !r.TypedDict.Equal(o.TypedDict) {
			equal = false
		}
		return equal
	})
	rs.configs.ForEach(func(name string, r *ConfigsRecord) bool {
		o, err := other.configs.Get(name)
		if err != nil || !r.TypedDict.Equal(o.TypedDict) {
			equal = false
		}
		return equal
	})
	return equal
}
