package threshold

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// DefaultPrime returns 2^256 - 189, the largest 256-bit prime, used as the
// default field for Shamir, additive and placeholder-signature schemes.
func DefaultPrime() *big.Int {
	p := new(big.Int).Lsh(one, 256)
	return p.Sub(p, big.NewInt(189))
}

// FieldPrime returns a prime of at least bits size. The 256-bit default is
// fixed so shares remain portable across processes; other sizes are
// generated fresh.
func FieldPrime(bits int) (*big.Int, error) {
	if bits <= 256 {
		return DefaultPrime(), nil
	}
	p, err := rand.Prime(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate %d-bit prime: %w", bits, err)
	}
	return p, nil
}

// SafePrime generates p = 2q+1 with both p and q prime. Verifiable sharing
// commits in the order-q subgroup of Z_p*, so exponent arithmetic stays
// consistent with the polynomial arithmetic mod q.
func SafePrime(bits int) (p, q *big.Int, err error) {
	for {
		q, err = rand.Prime(rand.Reader, bits-1)
		if err != nil {
			return nil, nil, fmt.Errorf("generate subgroup order: %w", err)
		}
		p = new(big.Int).Lsh(q, 1)
		p.Add(p, one)
		if p.ProbablyPrime(32) {
			return p, q, nil
		}
	}
}

// SubgroupGenerator picks a generator of the order-q subgroup: h^2 mod p for
// random h squares into the subgroup; retry on the identity.
func SubgroupGenerator(p *big.Int) (*big.Int, error) {
	pMinus2 := new(big.Int).Sub(p, two)
	for {
		h, err := rand.Int(rand.Reader, pMinus2)
		if err != nil {
			return nil, fmt.Errorf("sample generator: %w", err)
		}
		h.Add(h, two) // h in [2, p-1)
		g := new(big.Int).Exp(h, two, p)
		if g.Cmp(one) != 0 {
			return g, nil
		}
	}
}

// randScalar samples uniformly from [0, max).
func randScalar(max *big.Int) (*big.Int, error) {
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("sample scalar: %w", err)
	}
	return v, nil
}

// modInverse computes a^(p-2) mod p, the Fermat inverse for prime p. Exp on
// big.Int runs in near-constant time for fixed-width moduli, which the
// Lagrange denominators rely on.
func modInverse(a, p *big.Int) *big.Int {
	e := new(big.Int).Sub(p, two)
	return new(big.Int).Exp(a, e, p)
}
