package dataset

import (
	"fmt"
	"math/rand"
)

// Ratios are the fractions of a set given to validation and test; the rest trains
type Ratios struct {
	Validation float64
	Test       float64
}

// DefaultRatios holds out 20% for validation and 20% for test
func DefaultRatios() Ratios {
	return Ratios{Validation: 0.2, Test: 0.2}
}

func (r Ratios) Validate() error {
	if r.Validation < 0 || r.Test < 0 || r.Validation+r.Test >= 1 {
		return fmt.Errorf("invalid split ratios: validation %v, test %v", r.Validation, r.Test)
	}
	return nil
}

// Split partitions s into train, validation and test subsets. With shuffle the
// trial order is permuted by a generator seeded with seed, so equal seeds give
// equal splits. Subset sizes are floor(ratio*N); train takes the remainder and
// is never empty.
func Split(s *Set, ratios Ratios, shuffle bool, seed int64) (train, validation, test *Set, err error) {
	if err := ratios.Validate(); err != nil {
		return nil, nil, nil, err
	}
	n := s.Len()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	}
	nTest := int(ratios.Test * float64(n))
	nVal := int(ratios.Validation * float64(n))
	if n-nTest-nVal <= 0 {
		return nil, nil, nil, fmt.Errorf("cannot split %d trials with ratios %+v", n, ratios)
	}
	test = s.Subset(indices[:nTest])
	validation = s.Subset(indices[nTest : nTest+nVal])
	train = s.Subset(indices[nTest+nVal:])
	return train, validation, test, nil
}
