package threshold

import (
	"fmt"
	"math/big"
)

// additiveDeal splits secret into n random summands mod order. Every share is
// required for reconstruction; k is forced to n at scheme creation.
func additiveDeal(secret *big.Int, partyIDs []int, order *big.Int) (map[int]*big.Int, error) {
	out := make(map[int]*big.Int, len(partyIDs))
	sum := new(big.Int)
	for i, id := range partyIDs {
		if i == len(partyIDs)-1 {
			last := new(big.Int).Sub(new(big.Int).Mod(secret, order), sum)
			last.Mod(last, order)
			out[id] = last
			break
		}
		r, err := randScalar(order)
		if err != nil {
			return nil, fmt.Errorf("additive share for party %d: %w", id, err)
		}
		out[id] = r
		sum.Add(sum, r)
		sum.Mod(sum, order)
	}
	return out, nil
}

// additiveCombine sums all shares mod order.
func additiveCombine(points map[int]*big.Int, order *big.Int) *big.Int {
	sum := new(big.Int)
	for _, v := range points {
		sum.Add(sum, v)
		sum.Mod(sum, order)
	}
	return sum
}
