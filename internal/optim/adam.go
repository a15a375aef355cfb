package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
)

// #region adam-config
// AdamConfig holds the optimizer hyperparameters.
type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns the usual Adam constants for the given rate.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
	}
}
// #endregion adam-config

// #region adam
// Adam keeps first and second moment estimates per parameter. Moments are
// created lazily on the first step, so a rebuilt optimizer starts from zero.
type Adam struct {
	cfg   AdamConfig
	m     map[*model.Param]*mat.Dense
	v     map[*model.Param]*mat.Dense
	steps map[*model.Param]int
}

// NewAdam returns an optimizer with empty state.
func NewAdam(cfg AdamConfig) *Adam {
	return &Adam{
		cfg:   cfg,
		m:     make(map[*model.Param]*mat.Dense),
		v:     make(map[*model.Param]*mat.Dense),
		steps: make(map[*model.Param]int),
	}
}

// LR returns the learning rate.
func (a *Adam) LR() float64 { return a.cfg.LR }

// Config returns the hyperparameters.
func (a *Adam) Config() AdamConfig { return a.cfg }

// Step updates every trainable parameter in place from its gradient.
// Frozen parameters are left untouched and keep no state.
func (a *Adam) Step(params []*model.Param) {
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		r, c := p.Value.Dims()
		mp, ok := a.m[p]
		if !ok {
			mp = mat.NewDense(r, c, nil)
			a.m[p] = mp
			a.v[p] = mat.NewDense(r, c, nil)
		}
		vp := a.v[p]
		a.steps[p]++
		t := float64(a.steps[p])
		c1 := 1 / (1 - math.Pow(a.cfg.Beta1, t))
		c2 := 1 / (1 - math.Pow(a.cfg.Beta2, t))

		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := p.Grad.At(i, j) + a.cfg.WeightDecay*p.Value.At(i, j)
				mij := a.cfg.Beta1*mp.At(i, j) + (1-a.cfg.Beta1)*g
				vij := a.cfg.Beta2*vp.At(i, j) + (1-a.cfg.Beta2)*g*g
				mp.Set(i, j, mij)
				vp.Set(i, j, vij)
				p.Value.Set(i, j, p.Value.At(i, j)-a.cfg.LR*(mij*c1)/(math.Sqrt(vij*c2)+a.cfg.Eps))
			}
		}
	}
}
// #endregion adam
