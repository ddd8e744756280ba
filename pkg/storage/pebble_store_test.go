package storage

import (
	"math/big"
	"testing"
	"time"

	"github.com/reliquary/reliquary/pkg/agent"
	"github.com/reliquary/reliquary/pkg/audit"
	"github.com/reliquary/reliquary/pkg/orchestrator"
	"github.com/reliquary/reliquary/pkg/threshold"
)

func openStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuditEntryPersistence(t *testing.T) {
	s := openStore(t)

	var prev audit.Hash
	for i := uint64(0); i < 3; i++ {
		e := audit.Entry{
			Index:     i,
			Payload:   []byte{byte(i)},
			PrevHash:  prev,
			EntryHash: audit.EntryHash(i, []byte{byte(i)}, prev),
			Timestamp: time.Now(),
		}
		if err := s.Put(e); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		prev = e.EntryHash
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}

	e, ok, err := s.Get(1)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if e.Index != 1 || e.Payload[0] != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if _, ok, _ := s.Get(99); ok {
		t.Fatalf("missing index must not resolve")
	}

	// Out-of-order appends are refused.
	if err := s.Put(audit.Entry{Index: 7}); err == nil {
		t.Fatalf("gap append must fail")
	}
}

func TestSchemeAndSharePersistence(t *testing.T) {
	s := openStore(t)

	sch := threshold.Scheme{
		ID:        "vault",
		Type:      threshold.SchemeShamir,
		K:         3,
		N:         5,
		PartyIDs:  []int{1, 2, 3, 4, 5},
		Prime:     threshold.DefaultPrime(),
		Order:     threshold.DefaultPrime(),
		CreatedAt: time.Now(),
	}
	if err := s.SaveScheme(sch); err != nil {
		t.Fatalf("save scheme: %v", err)
	}
	for pid := 1; pid <= 5; pid++ {
		sh := threshold.Share{
			PartyID: pid, Value: big.NewInt(int64(pid * 100)),
			SchemeID: "vault", K: 3, N: 5, CreatedAt: time.Now(),
		}
		if err := s.SaveShare(sh); err != nil {
			t.Fatalf("save share %d: %v", pid, err)
		}
	}

	schemes, err := s.LoadSchemes()
	if err != nil || len(schemes) != 1 {
		t.Fatalf("load schemes: %v (%d)", err, len(schemes))
	}
	if schemes[0].ID != "vault" || schemes[0].Prime.Cmp(sch.Prime) != 0 {
		t.Fatalf("scheme round trip: %+v", schemes[0])
	}

	shares, err := s.LoadShares("vault")
	if err != nil || len(shares) != 5 {
		t.Fatalf("load shares: %v (%d)", err, len(shares))
	}
	for i, sh := range shares {
		if sh.PartyID != i+1 {
			t.Fatalf("shares out of order: %d at %d", sh.PartyID, i)
		}
	}
}

func TestResultPersistence(t *testing.T) {
	s := openStore(t)

	res := orchestrator.Result{
		RequestID:     "req-1",
		FinalDecision: agent.DecisionDeny,
		Confidence:    0.62,
		Status:        orchestrator.StatusExecuted,
		Participants:  []string{"a", "b"},
		StartedAt:     time.Now(),
	}
	if err := s.SaveResult(res); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.LoadResult("req-1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.FinalDecision != agent.DecisionDeny || got.Confidence != 0.62 {
		t.Fatalf("round trip: %+v", got)
	}
	if _, ok, _ := s.LoadResult("nope"); ok {
		t.Fatalf("missing result must not resolve")
	}
}
