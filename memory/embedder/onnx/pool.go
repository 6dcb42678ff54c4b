package onnx

import "math"

// meanPool averages hidden states over attended positions and returns a
// unit vector. hidden is laid out [seq, hiddenSize].
func meanPool(hidden []float32, mask []int64, hiddenSize int) []float32 {
	vec := make([]float32, hiddenSize)
	var attended float32
	for i, m := range mask {
		if m == 0 {
			continue
		}
		attended++
		row := hidden[i*hiddenSize : (i+1)*hiddenSize]
		for j, v := range row {
			vec[j] += v
		}
	}
	if attended > 0 {
		for j := range vec {
			vec[j] /= attended
		}
	}
	return normalize(vec)
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
