// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"math"

	"github.com/pkg/errors"
)

// cosineOffset is the small offset s of the cosine schedule, that keeps β_t from being too small near t=0.
const cosineOffset = 0.008

// maxCosineBeta clips the cosine schedule betas, which otherwise approach 1 at the end.
const maxCosineBeta = 0.999

// Schedule holds the noise schedule β_t and the derived coefficients used by training and sampling,
// all indexed by the timestep t in [0, NumTimesteps).
//
// It is computed once on the host in float64 and fed to graphs as constants.
type Schedule struct {
	Betas                     []float64
	Alphas                    []float64
	AlphasCumprod             []float64
	SqrtAlphasCumprod         []float64
	SqrtOneMinusAlphasCumprod []float64
	ReciprocalSqrtAlphas      []float64

	// RemoveNoiseCoeff is β_t/√(1-ᾱ_t), the factor applied to the predicted noise in a reverse step.
	RemoveNoiseCoeff []float64

	// Sigma is √β_t, the standard deviation of the noise added back in a reverse step.
	Sigma []float64
}

// NewSchedule creates the schedule by name: "linear" or "cosine".
//
// The linear schedule interpolates β from low to high, both rescaled by 1000/numTimesteps so that
// the bounds mean the same for any number of timesteps. The cosine schedule ignores low and high.
func NewSchedule(name string, numTimesteps int, low, high float64) (*Schedule, error) {
	if numTimesteps < 2 {
		return nil, errors.Errorf("noise schedule requires at least 2 timesteps, got %d", numTimesteps)
	}
	var betas []float64
	switch name {
	case "linear":
		if low <= 0 || high <= low {
			return nil, errors.Errorf("invalid linear schedule bounds low=%g, high=%g", low, high)
		}
		betas = LinearBetas(numTimesteps, low, high)
	case "cosine":
		betas = CosineBetas(numTimesteps)
	default:
		return nil, errors.Errorf("unknown noise schedule %q", name)
	}
	return scheduleFromBetas(betas)
}

// LinearBetas returns numTimesteps betas evenly spaced from low to high (inclusive), scaled by 1000/numTimesteps.
func LinearBetas(numTimesteps int, low, high float64) []float64 {
	scale := 1000.0 / float64(numTimesteps)
	low, high = low*scale, high*scale
	betas := make([]float64, numTimesteps)
	step := (high - low) / float64(numTimesteps-1)
	for t := range betas {
		betas[t] = low + float64(t)*step
	}
	betas[numTimesteps-1] = high
	return betas
}

// CosineBetas returns the betas of the cosine schedule, where ᾱ_t follows cos²((t/T+s)/(1+s)·π/2).
func CosineBetas(numTimesteps int) []float64 {
	f := func(t int) float64 {
		c := math.Cos((float64(t)/float64(numTimesteps) + cosineOffset) / (1 + cosineOffset) * math.Pi / 2)
		return c * c
	}
	f0 := f(0)
	betas := make([]float64, numTimesteps)
	prev := 1.0
	for t := range betas {
		alphaCumprod := f(t+1) / f0
		betas[t] = min(1-alphaCumprod/prev, maxCosineBeta)
		prev = alphaCumprod
	}
	return betas
}

func scheduleFromBetas(betas []float64) (*Schedule, error) {
	n := len(betas)
	s := &Schedule{
		Betas:                     betas,
		Alphas:                    make([]float64, n),
		AlphasCumprod:             make([]float64, n),
		SqrtAlphasCumprod:         make([]float64, n),
		SqrtOneMinusAlphasCumprod: make([]float64, n),
		ReciprocalSqrtAlphas:      make([]float64, n),
		RemoveNoiseCoeff:          make([]float64, n),
		Sigma:                     make([]float64, n),
	}
	cumprod := 1.0
	for t, beta := range betas {
		if beta <= 0 || beta >= 1 {
			return nil, errors.Errorf("noise schedule beta[%d]=%g out of (0, 1)", t, beta)
		}
		alpha := 1 - beta
		cumprod *= alpha
		s.Alphas[t] = alpha
		s.AlphasCumprod[t] = cumprod
		s.SqrtAlphasCumprod[t] = math.Sqrt(cumprod)
		s.SqrtOneMinusAlphasCumprod[t] = math.Sqrt(1 - cumprod)
		s.ReciprocalSqrtAlphas[t] = 1 / math.Sqrt(alpha)
		s.RemoveNoiseCoeff[t] = beta / math.Sqrt(1-cumprod)
		s.Sigma[t] = math.Sqrt(beta)
	}
	return s, nil
}

// NumTimesteps of the schedule.
func (s *Schedule) NumTimesteps() int { return len(s.Betas) }
