// Copyright 2025 The Veriledger Authors
// This file is part of Veriledger.
//
// Veriledger is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Veriledger is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Veriledger. If not, see <http://www.gnu.org/licenses/>.

package weights

import (
	"fmt"
	"math"
	"sort"

	"github.com/veriledger/veriledger/ledger"
)

// NormalizeFunc maps raw metric values onto [0, 1] across the population.
type NormalizeFunc func(xs []float64) []float64

const (
	StrategyZScoreLogistic = "zscore_logistic"
	StrategyPercentile     = "percentile"
)

// normalizer resolves the configured strategy for a population of size n.
// The zscore strategy degrades to percentile below the configured minimum
// count, where a sample standard deviation is too noisy to be meaningful.
func normalizer(cfg ledger.NormalizationConfig, n int) (NormalizeFunc, error) {
	switch cfg.Strategy {
	case StrategyZScoreLogistic:
		if n < cfg.MinCountForZScore {
			return Percentile, nil
		}
		return ZScoreLogistic, nil
	case StrategyPercentile:
		return Percentile, nil
	default:
		return nil, fmt.Errorf("unknown normalization strategy %q", cfg.Strategy)
	}
}

// ZScoreLogistic centers values on the population mean, scales by the
// population standard deviation and squashes through the logistic function.
// A zero-variance population maps every value to 0.5.
func ZScoreLogistic(xs []float64) []float64 {
	n := len(xs)
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)

	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(n)
	std := math.Sqrt(variance)

	if std == 0 {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	for i, x := range xs {
		out[i] = 1 / (1 + math.Exp(-(x-mean)/std))
	}
	return out
}

// Percentile maps values to their average rank scaled onto [0, 1]. Ties share
// the mean of the ranks they span, so the output is independent of input
// order. A single-element population maps to 0.5.
func Percentile(xs []float64) []float64 {
	n := len(xs)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if n == 1 {
		out[0] = 0.5
		return out
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return xs[order[a]] < xs[order[b]]
	})

	for i := 0; i < n; {
		j := i
		for j+1 < n && xs[order[j+1]] == xs[order[i]] {
			j++
		}
		rank := float64(i+j) / 2
		for k := i; k <= j; k++ {
			out[order[k]] = rank / float64(n-1)
		}
		i = j + 1
	}
	return out
}

func clip01(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Min(1, math.Max(0, x))
	}
	return out
}
