package threshold

import (
	"fmt"
	"math/big"
)

// polynomial holds coefficients a_0..a_{k-1} for arithmetic mod order;
// a_0 is the shared secret.
type polynomial struct {
	coeffs []*big.Int
	order  *big.Int
}

// randomPolynomial samples a degree k-1 polynomial with constant term secret.
func randomPolynomial(secret *big.Int, k int, order *big.Int) (*polynomial, error) {
	coeffs := make([]*big.Int, k)
	coeffs[0] = new(big.Int).Mod(secret, order)
	for i := 1; i < k; i++ {
		c, err := randScalar(order)
		if err != nil {
			return nil, fmt.Errorf("polynomial coefficient %d: %w", i, err)
		}
		coeffs[i] = c
	}
	return &polynomial{coeffs: coeffs, order: order}, nil
}

// eval computes p(x) mod order by Horner's rule.
func (p *polynomial) eval(x *big.Int) *big.Int {
	y := new(big.Int)
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		y.Mul(y, x)
		y.Add(y, p.coeffs[i])
		y.Mod(y, p.order)
	}
	return y
}

// shamirDeal evaluates the polynomial at each party id. Party ids double as
// x-coordinates, so they must be nonzero and distinct.
func shamirDeal(p *polynomial, partyIDs []int) map[int]*big.Int {
	out := make(map[int]*big.Int, len(partyIDs))
	for _, id := range partyIDs {
		out[id] = p.eval(big.NewInt(int64(id)))
	}
	return out
}

// lagrangeInterpolate recovers p(0) from k points via Lagrange basis
// polynomials evaluated at zero, all arithmetic mod order.
func lagrangeInterpolate(points map[int]*big.Int, order *big.Int) *big.Int {
	secret := new(big.Int)
	for xi, yi := range points {
		num := big.NewInt(1)
		den := big.NewInt(1)
		bi := big.NewInt(int64(xi))
		for xj := range points {
			if xj == xi {
				continue
			}
			bj := big.NewInt(int64(xj))
			// num *= -x_j ; den *= (x_i - x_j)
			num.Mul(num, new(big.Int).Neg(bj))
			num.Mod(num, order)
			diff := new(big.Int).Sub(bi, bj)
			den.Mul(den, diff)
			den.Mod(den, order)
		}
		term := new(big.Int).Mul(yi, num)
		term.Mul(term, modInverse(den, order))
		secret.Add(secret, term)
		secret.Mod(secret, order)
	}
	return secret
}
