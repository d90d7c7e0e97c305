// Package params converts between the flat tensor-blob form of model
// weights and its record representation, and frames raw float64 tensors.
package params
