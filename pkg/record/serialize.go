package record

import (
	"encoding/json"
	"fmt"
)

// Wire forms used by MarshalJSON. Entries are kept as ordered lists so
// insertion order survives persistence.

type arrayEntry struct {
	Key   string `json:"key"`
	Value Array  `json:"value"`
}

type scalarEntry struct {
	Key   string      `json:"key"`
	Value taggedValue `json:"value"`
}

type recordSetWire struct {
	Parameters []namedEntries[arrayEntry]  `json:"parameters"`
	Metrics    []namedEntries[scalarEntry] `json:"metrics"`
	Configs    []namedEntries[scalarEntry] `json:"configs"`
}

type namedEntries[E any] struct {
	Name    string `json:"name"`
	Entries []E    `json:"entries"`
}

// taggedValue carries a scalar with an explicit type tag. Plain JSON
// numbers collapse int64 and float64, so the tag is required for an
// exact round trip.
type taggedValue struct {
	Tag   string          `json:"t"`
	Value json.RawMessage `json:"v"`
}

func tagScalar(v any) (taggedValue, error) {
	var tag string
	switch v.(type) {
	case int64:
		tag = "i"
	case float64:
		tag = "f"
	case string:
		tag = "s"
	case bool:
		tag = "b"
	case []byte:
		tag = "y"
	case []int64:
		tag = "li"
	case []float64:
		tag = "lf"
	case []string:
		tag = "ls"
	case []bool:
		tag = "lb"
	case [][]byte:
		tag = "ly"
	default:
		return taggedValue{}, fmt.Errorf("unsupported scalar type %T", v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{Tag: tag, Value: raw}, nil
}

func untagScalar(tv taggedValue) (any, error) {
	var err error
	switch tv.Tag {
	case "i":
		var v int64
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "f":
		var v float64
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "s":
		var v string
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "b":
		var v bool
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "y":
		var v []byte
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "li":
		var v []int64
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "lf":
		var v []float64
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "ls":
		var v []string
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "lb":
		var v []bool
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	case "ly":
		var v [][]byte
		err = json.Unmarshal(tv.Value, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown scalar tag %q", tv.Tag)
	}
}

// MarshalJSON implements json.Marshaler.
func (rs *RecordSet) MarshalJSON() ([]byte, error) {
	wire := recordSetWire{}
	var marshalErr error
	rs.parameters.ForEach(func(name string, r *ParametersRecord) bool {
		entries := make([]arrayEntry, 0, r.Len())
		r.ForEach(func(k string, v Array) bool {
			entries = append(entries, arrayEntry{Key: k, Value: v})
			return true
		})
		wire.Parameters = append(wire.Parameters, namedEntries[arrayEntry]{Name: name, Entries: entries})
		return true
	})
	scalarRegistry := func(name string, d *TypedDict[string, any]) (namedEntries[scalarEntry], error) {
		entries := make([]scalarEntry, 0, d.Len())
		var err error
		d.ForEach(func(k string, v any) bool {
			var tv taggedValue
			tv, err = tagScalar(v)
			if err != nil {
				return false
			}
			entries = append(entries, scalarEntry{Key: k, Value: tv})
			return true
		})
		return namedEntries[scalarEntry]{Name: name, Entries: entries}, err
	}
	rs.metrics.ForEach(func(name string, r *MetricsRecord) bool {
		ne, err := scalarRegistry(name, r.TypedDict)
		if err != nil {
			marshalErr = err
			return false
		}
		wire.Metrics = append(wire.Metrics, ne)
		return true
	})
	rs.configs.ForEach(func(name string, r *ConfigsRecord) bool {
		ne, err := scalarRegistry(name, r.TypedDict)
		if err != nil {
			marshalErr = err
			return false
		}
		wire.Configs = append(wire.Configs, ne)
		return true
	})
	if marshalErr != nil {
		return nil, marshalErr
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (rs *RecordSet) UnmarshalJSON(data []byte) error {
	var wire recordSetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*rs = *NewRecordSet()
	for _, ne := range wire.Parameters {
		rec := NewParametersRecord()
		for _, e := range ne.Entries {
			if err := rec.Set(e.Key, e.Value); err != nil {
				return err
			}
		}
		if err := rs.SetParameters(ne.Name, rec); err != nil {
			return err
		}
	}
	for _, ne := range wire.Metrics {
		rec := NewMetricsRecord()
		for _, e := range ne.Entries {
			v, err := untagScalar(e.Value)
			if err != nil {
				return err
			}
			if err := rec.Set(e.Key, v); err != nil {
				return err
			}
		}
		if err := rs.SetMetrics(ne.Name, rec); err != nil {
			return err
		}
	}
	for _, ne := range wire.Configs {
		rec := NewConfigsRecord()
		for _, e := range ne.Entries {
			v, err := untagScalar(e.Value)
			if err != nil {
				return err
			}
			if err := rec.Set(e.Key, v); err != nil {
				return err
			}
		}
		if err := rs.SetConfigs(ne.Name, rec); err != nil {
			return err
		}
	}
	return nil
}
