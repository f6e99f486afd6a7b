package goengine

import (
	"math"
)

// Kernel transforms x in place. row is the length of the innermost dimension; arg is
// the op's scalar parameter.
type Kernel func(x []float32, row int, arg float32)

// Catalog maps op names to kernels.
var Catalog = map[string]Kernel{
	"identity": func([]float32, int, float32) {},
	"relu":     relu,
	"sigmoid":  sigmoid,
	"tanh":     tanh,
	"scale":    scale,
	"add":      add,
	"softmax":  softmax,
}

func relu(x []float32, _ int, _ float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

func sigmoid(x []float32, _ int, _ float32) {
	for i, v := range x {
		x[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

func tanh(x []float32, _ int, _ float32) {
	for i, v := range x {
		x[i] = float32(math.Tanh(float64(v)))
	}
}

func scale(x []float32, _ int, arg float32) {
	for i := range x {
		x[i] *= arg
	}
}

func add(x []float32, _ int, arg float32) {
	for i := range x {
		x[i] += arg
	}
}

// softmax normalizes each row independently.
func softmax(x []float32, row int, _ float32) {
	if row <= 0 {
		row = len(x)
	}
	for start := 0; start+row <= len(x); start += row {
		r := x[start : start+row]
		maxVal := float32(math.Inf(-1))
		for _, v := range r {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		for i, v := range r {
			r[i] = float32(math.Exp(float64(v - maxVal)))
			sum += r[i]
		}
		for i := range r {
			r[i] /= sum
		}
	}
}
