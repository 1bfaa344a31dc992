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
)

// DefaultSimilarityThreshold is the minimum cosine similarity between the
// auditor's weight vector and the primary's before the auditor will submit.
const DefaultSimilarityThreshold = 0.999

// MismatchError reports that two independently computed weight vectors
// diverge beyond tolerance. The auditor withholds the new weights for the
// cycle and retains its last-accepted vector.
type MismatchError struct {
	Similarity float64
	Threshold  float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("weight vectors diverge: cosine similarity %.6f below threshold %.6f", e.Similarity, e.Threshold)
}

// CosineSimilarity of two equal-length vectors. Returns 0 when either vector
// is zero or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CheckSimilarity compares two weight vectors against a threshold and
// returns a MismatchError when they diverge.
func CheckSimilarity(a, b []float64, threshold float64) error {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if sim := CosineSimilarity(a, b); sim < threshold {
		return &MismatchError{Similarity: sim, Threshold: threshold}
	}
	return nil
}
