package consensus

// State is a replica's protocol state. It is owned by the replica's driver
// and never shared; external readers get copies via Replica.StateSnapshot.
type State struct {
	Q        Quorum
	SelfID   NodeID
	View     View
	Sequence Sequence
	Phase    Phase
	LeaderID NodeID

	// Per-sequence vote bookkeeping for the active view. Keyed by sender so
	// an equivocating peer cannot double-count.
	prePrepares map[Sequence]Message
	prepares    map[Sequence]map[NodeID]Message
	commits     map[Sequence]map[NodeID]Message

	// viewChanges accumulates VIEW_CHANGE votes per target view.
	viewChanges map[View]map[NodeID]Message

	decided        map[Sequence][]byte
	decidedDigests map[Sequence]Hash
	lastCheckpoint Sequence
}

func NewState(self NodeID, q Quorum) *State {
	return &State{
		Q:              q,
		SelfID:         self,
		Phase:          PhasePrePrepare,
		prePrepares:    make(map[Sequence]Message),
		prepares:       make(map[Sequence]map[NodeID]Message),
		commits:        make(map[Sequence]map[NodeID]Message),
		viewChanges:    make(map[View]map[NodeID]Message),
		decided:        make(map[Sequence][]byte),
		decidedDigests: make(map[Sequence]Hash),
	}
}

func (s *State) addPrepare(m Message) int {
	set := s.prepares[m.Sequence]
	if set == nil {
		set = make(map[NodeID]Message)
		s.prepares[m.Sequence] = set
	}
	set[m.Sender] = m
	return countMatching(set, m.ValueDigest)
}

func (s *State) addCommit(m Message) int {
	set := s.commits[m.Sequence]
	if set == nil {
		set = make(map[NodeID]Message)
		s.commits[m.Sequence] = set
	}
	set[m.Sender] = m
	return countMatching(set, m.ValueDigest)
}

func (s *State) addViewChange(m Message) int {
	target := View(m.View)
	set := s.viewChanges[target]
	if set == nil {
		set = make(map[NodeID]Message)
		s.viewChanges[target] = set
	}
	set[m.Sender] = m
	return len(set)
}

func countMatching(set map[NodeID]Message, digest Hash) int {
	n := 0
	for _, m := range set {
		if m.ValueDigest == digest {
			n++
		}
	}
	return n
}

// highestPrepared returns the best prepared evidence this replica holds, for
// inclusion in a VIEW_CHANGE.
func (s *State) highestPrepared() PreparedProof {
	var best PreparedProof
	for seq, set := range s.prepares {
		if _, done := s.decided[seq]; done {
			continue
		}
		pp, ok := s.prePrepares[seq]
		if !ok {
			continue
		}
		if countMatching(set, pp.ValueDigest) >= s.Q.Threshold() && seq >= best.Sequence {
			best = PreparedProof{
				View:        pp.View,
				Sequence:    seq,
				ValueDigest: pp.ValueDigest,
				Value:       pp.Payload,
			}
		}
	}
	return best
}

// resetForView clears per-view vote sets while keeping decided values, which
// must survive view changes (agreement safety).
func (s *State) resetForView(v View) {
	s.View = v
	s.Phase = PhasePrePrepare
	s.prePrepares = make(map[Sequence]Message)
	s.prepares = make(map[Sequence]map[NodeID]Message)
	s.commits = make(map[Sequence]map[NodeID]Message)
}

// StateSnapshot is the externally visible copy of a replica's state.
type StateSnapshot struct {
	View           View
	Sequence       Sequence
	Phase          Phase
	LeaderID       NodeID
	Decided        int
	LastCheckpoint Sequence
}
