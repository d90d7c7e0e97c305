package params

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TensorTypeRawFloat64 tags tensors framed as raw little-endian float64.
const TensorTypeRawFloat64 = "raw.float64.le"

// Float64sToBytes frames a float64 vector as raw little-endian bytes.
func Float64sToBytes(values []float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

// BytesToFloat64s decodes a raw little-endian float64 blob.
func BytesToFloat64s(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 8", len(data))
	}
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return out, nil
}

// Vectors decodes every tensor of p as a float64 vector.
func Vectors(p *Parameters) ([][]float64, error) {
	out := make([][]float64, len(p.Tensors))
	for i, t := range p.Tensors {
		v, err := BytesToFloat64s(t)
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// FromVectors frames float64 vectors as Parameters.
func FromVectors(vectors [][]float64) *Parameters {
	p := &Parameters{TensorType: TensorTypeRawFloat64, Tensors: make([][]byte, len(vectors))}
	for i, v := range vectors {
		p.Tensors[i] = Float64sToBytes(v)
	}
	return p
}
