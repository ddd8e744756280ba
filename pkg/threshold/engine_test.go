package threshold

import (
	"math/big"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(EngineConfig{
		MACKey:      []byte("test-mac-key"),
		MaxShareAge: time.Hour,
	})
}

func TestCreateSchemeValidation(t *testing.T) {
	e := newTestEngine(t)

	cases := []struct {
		name  string
		typ   SchemeType
		k, n  int
		party []int
	}{
		{"k exceeds n", SchemeShamir, 6, 5, []int{1, 2, 3, 4, 5}},
		{"k below one", SchemeShamir, 0, 5, []int{1, 2, 3, 4, 5}},
		{"party count mismatch", SchemeShamir, 3, 5, []int{1, 2, 3}},
		{"duplicate party", SchemeShamir, 3, 5, []int{1, 2, 3, 4, 4}},
		{"zero party id", SchemeShamir, 3, 5, []int{0, 1, 2, 3, 4}},
		{"unknown type", SchemeType("rsa"), 3, 5, []int{1, 2, 3, 4, 5}},
		{"additive needs k equal n", SchemeMPCAdditive, 3, 5, []int{1, 2, 3, 4, 5}},
	}
	for _, c := range cases {
		if _, err := e.CreateScheme(c.name, c.typ, c.k, c.n, c.party); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}
}

func TestShamirRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	info, err := e.CreateScheme("vault", SchemeShamir, 3, 5, []int{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.PrimeBits != 256 {
		t.Fatalf("prime bits = %d, want 256", info.PrimeBits)
	}

	secret := big.NewInt(42)
	shares, err := e.ShareSecret("vault", secret)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if len(shares) != 5 {
		t.Fatalf("dealt %d shares, want 5", len(shares))
	}

	byParty := make(map[int]Share, len(shares))
	for _, s := range shares {
		byParty[s.PartyID] = s
	}

	for _, subset := range [][]int{{1, 2, 3}, {2, 4, 5}, {1, 3, 5}} {
		pick := make([]Share, 0, len(subset))
		for _, pid := range subset {
			pick = append(pick, byParty[pid])
		}
		res := e.ReconstructSecret("vault", pick)
		if !res.Success {
			t.Fatalf("subset %v: reconstruction failed: %s", subset, res.Err)
		}
		if res.Secret.Cmp(secret) != 0 {
			t.Fatalf("subset %v: got %s, want 42", subset, res.Secret)
		}
		if res.SharesUsed != 3 {
			t.Fatalf("subset %v: used %d shares, want 3", subset, res.SharesUsed)
		}
		for _, pid := range subset {
			if res.Validation[pid] != ShareValid {
				t.Fatalf("subset %v: party %d status %s", subset, pid, res.Validation[pid])
			}
		}
	}
}

func TestReconstructInsufficientShares(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateScheme("vault", SchemeShamir, 3, 5, []int{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	shares, err := e.ShareSecret("vault", big.NewInt(42))
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	res := e.ReconstructSecret("vault", shares[:2])
	if res.Success {
		t.Fatalf("2 of 3 shares must not reconstruct")
	}
	if res.Err == "" || res.Err[:19] != "Insufficient shares" {
		t.Fatalf("error %q should start with Insufficient shares", res.Err)
	}
	for _, pid := range []int{3, 4, 5} {
		if res.Validation[pid] != ShareMissing {
			t.Fatalf("party %d status %s, want missing", pid, res.Validation[pid])
		}
	}
}

func TestReconstructDetectsCorruptedShare(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateScheme("vault", SchemeShamir, 3, 5, []int{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	secret := big.NewInt(42)
	shares, err := e.ShareSecret("vault", secret)
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	// Flip a bit in party 3's share without re-signing it.
	for i, s := range shares {
		if s.PartyID == 3 {
			tampered := new(big.Int).Xor(s.Value, big.NewInt(1))
			shares[i].Value = tampered
		}
	}

	res := e.ReconstructSecret("vault", shares)
	if !res.Success {
		t.Fatalf("4 intact shares should still reconstruct: %s", res.Err)
	}
	if res.Secret.Cmp(secret) != 0 {
		t.Fatalf("got %s, want 42", res.Secret)
	}
	if res.Validation[3] != ShareCorrupted {
		t.Fatalf("party 3 status %s, want corrupted", res.Validation[3])
	}
	for _, pid := range []int{1, 2, 4, 5} {
		if res.Validation[pid] != ShareValid {
			t.Fatalf("party %d status %s, want valid", pid, res.Validation[pid])
		}
	}
}

func TestReconstructFlagsDuplicates(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateScheme("vault", SchemeShamir, 3, 5, []int{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	shares, err := e.ShareSecret("vault", big.NewInt(7))
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	dup := append(shares[:3:3], shares[0])
	res := e.ReconstructSecret("vault", dup)
	if res.Validation[shares[0].PartyID] != ShareDuplicate {
		t.Fatalf("duplicated party status %s, want duplicate", res.Validation[shares[0].PartyID])
	}
	if res.Success {
		t.Fatalf("2 unique valid shares must not reconstruct")
	}
}

func TestRefreshPreservesSecret(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateScheme("vault", SchemeShamir, 3, 5, []int{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	secret := big.NewInt(123456789)
	old, err := e.ShareSecret("vault", secret)
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	fresh, err := e.RefreshShares("vault")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(fresh) != 5 {
		t.Fatalf("refresh dealt %d shares", len(fresh))
	}

	changed := false
	for i := range fresh {
		if fresh[i].Value.Cmp(old[i].Value) != 0 {
			changed = true
		}
	}
	if !changed {
		t.Fatalf("refresh must re-randomize share values")
	}

	res := e.ReconstructSecret("vault", fresh[:3])
	if !res.Success || res.Secret.Cmp(secret) != 0 {
		t.Fatalf("refreshed shares reconstruct %v (%s), want 123456789", res.Secret, res.Err)
	}
}

func TestVSSVerifiesAndRejectsTampering(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateScheme("sealed", SchemeVSS, 2, 4, []int{1, 2, 3, 4}); err != nil {
		t.Fatalf("create: %v", err)
	}
	secret := big.NewInt(99)
	shares, err := e.ShareSecret("sealed", secret)
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	res := e.ReconstructSecret("sealed", shares)
	if !res.Success || res.Secret.Cmp(secret) != 0 {
		t.Fatalf("vss reconstruction failed: %v %s", res.Secret, res.Err)
	}

	// A tampered share fails the commitment check even with a valid MAC.
	bad := shares[0]
	bad.Value = new(big.Int).Add(bad.Value, big.NewInt(1))
	bad.Signature = signShare([]byte("test-mac-key"), bad)
	res = e.ReconstructSecret("sealed", []Share{bad, shares[1], shares[2]})
	if res.Validation[bad.PartyID] != ShareCorrupted {
		t.Fatalf("tampered vss share status %s, want corrupted", res.Validation[bad.PartyID])
	}
	if !res.Success || res.Secret.Cmp(secret) != 0 {
		t.Fatalf("remaining valid shares should reconstruct: %s", res.Err)
	}
}

func TestAdditiveRequiresEveryShare(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateScheme("mpc", SchemeMPCAdditive, 4, 4, []int{1, 2, 3, 4}); err != nil {
		t.Fatalf("create: %v", err)
	}
	secret := big.NewInt(555)
	shares, err := e.ShareSecret("mpc", secret)
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	res := e.ReconstructSecret("mpc", shares)
	if !res.Success || res.Secret.Cmp(secret) != 0 {
		t.Fatalf("full set reconstruction failed: %v %s", res.Secret, res.Err)
	}

	res = e.ReconstructSecret("mpc", shares[:3])
	if res.Success {
		t.Fatalf("additive sharing must need every share")
	}

	// Additive refresh preserves the sum.
	fresh, err := e.RefreshShares("mpc")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	res = e.ReconstructSecret("mpc", fresh)
	if !res.Success || res.Secret.Cmp(secret) != 0 {
		t.Fatalf("refreshed additive shares reconstruct %v, want 555", res.Secret)
	}
}

func TestThresholdSignatureCombine(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateScheme("sig", SchemeThresholdSig, 3, 5, []int{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	shares, err := e.ShareSecret("sig", big.NewInt(31337))
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	msg := []byte("approve release")
	parts := make([]PartialSignature, 0, 3)
	for _, s := range shares[:3] {
		p, err := e.PartialSign("sig", s, msg)
		if err != nil {
			t.Fatalf("partial sign party %d: %v", s.PartyID, err)
		}
		parts = append(parts, p)
	}

	sig, err := e.CombineSignatures("sig", parts)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	again, err := e.CombineSignatures("sig", parts)
	if err != nil || sig.Cmp(again) != 0 {
		t.Fatalf("combination must be deterministic for a fixed signer set")
	}

	if _, err := e.CombineSignatures("sig", parts[:2]); err == nil {
		t.Fatalf("combining below threshold must fail")
	}
}

func TestSchemeInfoAndMetrics(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateScheme("vault", SchemeShamir, 2, 3, []int{1, 2, 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := e.Info("vault")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.HasShares {
		t.Fatalf("no secret shared yet")
	}
	if _, err := e.ShareSecret("vault", big.NewInt(1)); err != nil {
		t.Fatalf("share: %v", err)
	}
	info, _ = e.Info("vault")
	if !info.HasShares {
		t.Fatalf("shares should be recorded")
	}
	if _, err := e.Info("nope"); err == nil {
		t.Fatalf("unknown scheme must error")
	}

	m := e.Metrics()
	if m.SchemesCreated != 1 || m.SecretsShared != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}
