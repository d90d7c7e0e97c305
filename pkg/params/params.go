package params

import (
	"strconv"

	"github.com/eltociear/flower/pkg/record"
)

// Parameters is the flat wire form of model weights: a list of tensor
// blobs plus a common tensor-type tag.
type Parameters struct {
	Tensors    [][]byte
	TensorType string
}

// Copy returns a deep copy of the parameters.
func (p *Parameters) Copy() *Parameters {
	out := &Parameters{TensorType: p.TensorType, Tensors: make([][]byte, len(p.Tensors))}
	for i, t := range p.Tensors {
		out.Tensors[i] = make([]byte, len(t))
		copy(out.Tensors[i], t)
	}
	return out
}

// FromParametersRecord flattens a parameters record into Parameters,
// taking the blobs in insertion order. The common tensor type is copied
// from the first array's serialization tag. When keepInput is false the
// record is drained as it is read.
func FromParametersRecord(rec *record.ParametersRecord, keepInput bool) *Parameters {
	out := &Parameters{}
	for _, key := range rec.Keys() {
		arr, err := rec.Get(key)
		if err != nil {
			continue
		}
		if out.TensorType == "" {
			out.TensorType = arr.SType
		}
		out.Tensors = append(out.Tensors, arr.Data)
		if !keepInput {
			_ = rec.Delete(key)
		}
	}
	return out
}

// ToParametersRecord builds a parameters record from Parameters. Keys are
// the stringified tensor indices "0", "1", ... and every array carries
// the common tensor-type tag; dtype and shape are unrecoverable and left
// empty. When keepInput is false the tensor list is drained from the
// front.
func ToParametersRecord(p *Parameters, keepInput bool) *record.ParametersRecord {
	rec := record.NewParametersRecord()
	num := len(p.Tensors)
	for i := 0; i < num; i++ {
		var data []byte
		if keepInput {
			data = p.Tensors[i]
		} else {
			data = p.Tensors[0]
			p.Tensors = p.Tensors[1:]
		}
		_ = rec.Set(strconv.Itoa(i), record.Array{SType: p.TensorType, Data: data})
	}
	return rec
}
