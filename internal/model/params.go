package model

import (
	"math"
	"strings"
)

// #region freeze

// Freeze marks every parameter whose name starts with prefix as untrainable
// and returns how many were affected.
func Freeze(params []*Param, prefix string) int {
	return setTrainable(params, prefix, false)
}

// Unfreeze reverses Freeze.
func Unfreeze(params []*Param, prefix string) int {
	return setTrainable(params, prefix, true)
}

func setTrainable(params []*Param, prefix string, v bool) int {
	n := 0
	for _, p := range params {
		if strings.HasPrefix(p.Name, prefix) {
			p.Trainable = v
			n++
		}
	}
	return n
}
// #endregion freeze

// #region count

// CountParams returns the number of trainable scalars.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		if p.Trainable {
			n += p.Size()
		}
	}
	return n
}
// #endregion count

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
