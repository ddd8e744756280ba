package threshold

import (
	"fmt"
	"math/big"
)

// vssCommit publishes Feldman commitments C_j = g^{a_j} mod p for each
// polynomial coefficient. Anyone holding the commitments can check a share
// without learning the secret.
func vssCommit(p *polynomial, g, prime *big.Int) []*big.Int {
	out := make([]*big.Int, len(p.coeffs))
	for j, a := range p.coeffs {
		out[j] = new(big.Int).Exp(g, a, prime)
	}
	return out
}

// vssVerifyShare checks g^share == prod_j C_j^(x^j) mod p for x = partyID.
func vssVerifyShare(partyID int, share *big.Int, commitments []*big.Int, g, prime, order *big.Int) bool {
	if len(commitments) == 0 {
		return false
	}
	lhs := new(big.Int).Exp(g, share, prime)

	rhs := big.NewInt(1)
	x := big.NewInt(int64(partyID))
	xj := big.NewInt(1)
	for _, c := range commitments {
		term := new(big.Int).Exp(c, xj, prime)
		rhs.Mul(rhs, term)
		rhs.Mod(rhs, prime)
		xj = new(big.Int).Mul(xj, x)
		xj.Mod(xj, order)
	}
	return lhs.Cmp(rhs) == 0
}

// vssSetup generates the safe-prime group a verifiable scheme commits in.
// The 2^256-189 field used elsewhere is not safe, so VSS carries its own.
func vssSetup(bits int) (prime, order, g *big.Int, err error) {
	prime, order, err = SafePrime(bits)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("vss group: %w", err)
	}
	g, err = SubgroupGenerator(prime)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("vss generator: %w", err)
	}
	return prime, order, g, nil
}
