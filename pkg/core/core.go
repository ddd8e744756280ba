package core

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/reliquary/params"
	"github.com/reliquary/reliquary/pkg/agent"
	"github.com/reliquary/reliquary/pkg/audit"
	"github.com/reliquary/reliquary/pkg/consensus"
	"github.com/reliquary/reliquary/pkg/crypto"
	"github.com/reliquary/reliquary/pkg/decrypt"
	"github.com/reliquary/reliquary/pkg/orchestrator"
	"github.com/reliquary/reliquary/pkg/p2p"
	"github.com/reliquary/reliquary/pkg/threshold"
)

// CapabilityAdmin gates administrative decrypt approvals and is the
// capability emergency-override callers are expected to hold.
const CapabilityAdmin = "admin"

// Core wires the committee, the consensus engine, the orchestrator, the
// threshold engine, the decrypt coordinator and the audit chain into the
// node's public surface.
type Core struct {
	cfg params.Config
	log *zap.SugaredLogger

	Registry     *agent.Registry
	Orchestrator *orchestrator.Orchestrator
	Consensus    *consensus.Engine
	Threshold    *threshold.Engine
	Decrypt      *decrypt.Coordinator
	Audit        *audit.Chain
	Bus          *agent.Bus

	hub        p2p.Hub
	replicas   map[consensus.NodeID]*consensus.Replica
	keyring    *crypto.HMACKeyring
	masterSeed []byte

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
	closeOnce     sync.Once
}

// Options carries the pluggable collaborators. Zero values select in-memory
// defaults suitable for tests and single-node runs.
type Options struct {
	MasterSeed []byte

	AuditStore audit.Store
	Persister  threshold.Persister
	WAL        orchestrator.WAL

	Vault       decrypt.VaultStore
	KeyResolver decrypt.KeyResolver
	Trust       agent.TrustProvider

	// Transport carries consensus traffic between replicas. Nil selects an
	// in-process hub; pass a Libp2pNet to span processes.
	Transport p2p.Hub

	// Results persists completed decisions beyond the in-memory cache.
	Results orchestrator.ResultStore

	Logger *zap.SugaredLogger
}

func New(ctx context.Context, cfg params.Config, opts Options) (*Core, error) {
	if len(opts.MasterSeed) == 0 {
		return nil, fmt.Errorf("master seed is required")
	}
	ids := cfg.Consensus.Agents
	if len(ids) < 4 {
		return nil, fmt.Errorf("committee needs at least 4 agents, have %d", len(ids))
	}

	store := opts.AuditStore
	if store == nil {
		store = audit.NewMemoryStore()
	}
	chain, err := audit.NewChain(store, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("open audit chain: %w", err)
	}

	keyring, err := crypto.NewHMACKeyring(opts.MasterSeed, ids)
	if err != nil {
		return nil, err
	}

	// Consensus committee: one replica per configured agent on the transport.
	nodeIDs := make([]consensus.NodeID, len(ids))
	for i, id := range ids {
		nodeIDs[i] = consensus.NodeID(id)
	}
	elector := consensus.NewSortedElector(nodeIDs)
	quorum := consensus.NewQuorum(len(ids))
	engine, err := consensus.NewEngine(consensus.EngineConfig{
		Elector: elector,
		Quorum:  quorum,
		Timers: consensus.PhaseTimers{
			PrePrepareFraction: cfg.Consensus.PrePrepareFraction,
			PrepareFraction:    cfg.Consensus.PrepareFraction,
			CommitFraction:     cfg.Consensus.CommitFraction,
		},
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	hub := opts.Transport
	if hub == nil {
		hub = p2p.NewLocalHub()
	}
	replicas := make(map[consensus.NodeID]*consensus.Replica, len(ids))
	for _, id := range nodeIDs {
		auth, err := keyring.AuthenticatorFor(string(id))
		if err != nil {
			return nil, err
		}
		replicas[id] = consensus.NewReplica(consensus.ReplicaConfig{
			Self:               id,
			Quorum:             quorum,
			Auth:               auth,
			Net:                hub.Join(ctx, id),
			Elector:            elector,
			Logger:             opts.Logger,
			CheckpointInterval: cfg.Consensus.CheckpointInterval,
			OnDecide:           engine.DecisionSink(),
		})
	}
	engine.SetReplicas(replicas)

	registry := agent.NewRegistry(opts.Logger)
	for _, a := range committeeFor(ids) {
		caps := []string{"evaluate"}
		if a.Role() == agent.RoleWatchdog {
			caps = append(caps, CapabilityAdmin)
		}
		registry.Register(a, caps, nil)
	}

	shareKey, err := crypto.DeriveKey(opts.MasterSeed, "reliquary/threshold/shares")
	if err != nil {
		return nil, err
	}
	thresholdEngine := threshold.NewEngine(threshold.EngineConfig{
		MACKey:            shareKey,
		MaxShareAge:       cfg.Threshold.MaxShareAge,
		SecurityLevelBits: cfg.Threshold.SecurityLevelBits,
		Logger:            opts.Logger,
		Persister:         opts.Persister,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Registry:                 registry,
		Driver:                   engine,
		Trust:                    opts.Trust,
		Audit:                    chain,
		WAL:                      opts.WAL,
		RequestTimeout:           cfg.Orchestrator.RequestTimeout,
		MaxConcurrent:            cfg.Orchestrator.MaxConcurrentDecisions,
		MaxQueue:                 cfg.Orchestrator.MaxPendingQueue,
		EvaluationBudgetFraction: cfg.Orchestrator.EvaluationBudgetFraction,
		ConsensusThreshold:       cfg.Orchestrator.ConsensusThreshold,
		Results:                  opts.Results,
		CompletedCacheSize:       cfg.Orchestrator.CompletedCacheSize,
		EmergencyOverrideEnabled: cfg.Orchestrator.EmergencyOverrideEnabled,
		Logger:                   opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	voteKey, err := crypto.DeriveKey(opts.MasterSeed, "reliquary/decrypt/votes")
	if err != nil {
		return nil, err
	}
	coordinator := decrypt.NewCoordinator(decrypt.CoordinatorConfig{
		Vault:       opts.Vault,
		KeyResolver: opts.KeyResolver,
		Audit:       chain,
		ThresholdLookup: func(schemeID string) (int, error) {
			info, err := thresholdEngine.Info(schemeID)
			if err != nil {
				return 0, err
			}
			return info.K, nil
		},
		AdminChecker: func(agentID string) bool {
			return registry.HasCapability(agentID, CapabilityAdmin)
		},
		VoteKey:                  voteKey,
		RequestLifetime:          cfg.Decrypt.RequestLifetime,
		EmergencyOverrideEnabled: cfg.Orchestrator.EmergencyOverrideEnabled,
		Logger:                   opts.Logger,
	})

	bus := agent.NewBus()
	for _, id := range ids {
		bus.Open(id)
	}

	c := &Core{
		cfg:           cfg,
		log:           opts.Logger,
		Registry:      registry,
		Orchestrator:  orch,
		Consensus:     engine,
		Threshold:     thresholdEngine,
		Decrypt:       coordinator,
		Audit:         chain,
		Bus:           bus,
		hub:           hub,
		replicas:      replicas,
		keyring:       keyring,
		masterSeed:    opts.MasterSeed,
		heartbeatStop: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	go c.heartbeatLoop()
	return c, nil
}

// committeeFor builds policy agents from configured ids; the id's name picks
// its bias, defaulting to neutral.
func committeeFor(ids []string) []agent.Adapter {
	out := make([]agent.Adapter, 0, len(ids))
	for _, id := range ids {
		switch {
		case strings.Contains(id, "permissive"):
			out = append(out, agent.NewPermissive(id))
		case strings.Contains(id, "strict"):
			out = append(out, agent.NewStrict(id))
		case strings.Contains(id, "watchdog"):
			out = append(out, agent.NewWatchdog(id))
		default:
			out = append(out, agent.NewNeutral(id))
		}
	}
	return out
}

func (c *Core) heartbeatLoop() {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.heartbeatStop:
			return
		case <-ticker.C:
			c.Bus.Broadcast(agent.Message{Kind: agent.MsgHeartbeat, From: "core"})
			for _, id := range c.Registry.IDs() {
				c.Registry.Touch(id)
			}
		}
	}
}

// Close stops background loops. Safe to call more than once; the audit store
// is owned by the caller.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		close(c.heartbeatStop)
		<-c.heartbeatDone
		c.Decrypt.Close()
		for _, id := range c.Registry.IDs() {
			c.Bus.Close(id)
		}
	})
}

// OrchestrateDecision drives one decision request to a terminal result.
func (c *Core) OrchestrateDecision(ctx context.Context, req orchestrator.DecisionRequest) (orchestrator.Result, error) {
	return c.Orchestrator.Orchestrate(ctx, req)
}

func (c *Core) GetDecisionStatus(requestID string) (orchestrator.Result, error) {
	return c.Orchestrator.Query(requestID)
}

func (c *Core) GetDecisionHistory(limit int) []orchestrator.Result {
	return c.Orchestrator.History(limit)
}

func (c *Core) EmergencyOverride(requestID string, decision agent.Decision, reason string) bool {
	return c.Orchestrator.EmergencyOverride(requestID, decision, reason)
}

func (c *Core) CreateScheme(id string, typ threshold.SchemeType, k, n int, partyIDs []int) (*threshold.SchemeInfo, error) {
	return c.Threshold.CreateScheme(id, typ, k, n, partyIDs)
}

func (c *Core) ShareSecret(schemeID string, secret *big.Int) ([]threshold.Share, error) {
	return c.Threshold.ShareSecret(schemeID, secret)
}

func (c *Core) ReconstructSecret(schemeID string, shares []threshold.Share) threshold.ReconstructionResult {
	return c.Threshold.ReconstructSecret(schemeID, shares)
}

func (c *Core) RefreshShares(schemeID string) ([]threshold.Share, error) {
	return c.Threshold.RefreshShares(schemeID)
}

func (c *Core) SchemeInfo(schemeID string) (threshold.SchemeInfo, error) {
	return c.Threshold.Info(schemeID)
}

func (c *Core) RequestDecryption(vaultID, dataID, requester, justification string, level decrypt.ConsensusLevel, emergency bool, requiredAgents []string, schemeID string) (decrypt.Response, error) {
	return c.Decrypt.RequestDecryption(vaultID, dataID, requester, justification, level, emergency, requiredAgents, schemeID)
}

func (c *Core) VoteOnDecryption(requestID, agentID string, approve bool, confidence float64, reasoning string) (decrypt.Response, error) {
	return c.Decrypt.Vote(requestID, agentID, approve, confidence, reasoning)
}

func (c *Core) GetPendingRequests() []decrypt.PendingInfo {
	return c.Decrypt.Pending()
}

// RegisterAgent adds an evaluation agent at runtime. The consensus committee
// is fixed at boot; late registrations participate in evaluation fan-out and
// decrypt voting but not in the replica set.
func (c *Core) RegisterAgent(a agent.Adapter, capabilities []string, metadata map[string]string) error {
	if err := c.keyring.AddAgent(c.masterSeed, a.ID()); err != nil {
		return err
	}
	c.Registry.Register(a, capabilities, metadata)
	c.Bus.Open(a.ID())
	return nil
}

func (c *Core) ListAgents() []agent.Info {
	return c.Registry.List()
}

func (c *Core) ConsensusMetrics() consensus.Metrics {
	return c.Consensus.Metrics()
}

func (c *Core) Stats() orchestrator.Stats {
	return c.Orchestrator.Stats()
}
