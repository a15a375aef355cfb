package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
)

// clipEps keeps the scale finite when the norm sits right at maxNorm.
const clipEps = 1e-6

// ZeroGrad clears every gradient buffer.
func ZeroGrad(params []*model.Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// GradNorm returns the global L2 norm over the gradients of trainable params.
func GradNorm(params []*model.Param) float64 {
	sum := 0.0
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		n := mat.Norm(p.Grad, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales the trainable gradients so their global norm is at
// most maxNorm and returns the norm measured before clipping.
func ClipGradNorm(params []*model.Param, maxNorm float64) float64 {
	total := GradNorm(params)
	if maxNorm <= 0 || total <= maxNorm {
		return total
	}
	s := maxNorm / (total + clipEps)
	for _, p := range params {
		if p.Trainable {
			p.Grad.Scale(s, p.Grad)
		}
	}
	return total
}
