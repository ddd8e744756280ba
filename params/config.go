package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Orchestrator struct {
	// RequestTimeout bounds the whole decision lifecycle; the evaluation
	// budget fraction of it goes to agent fan-out, the remainder to consensus.
	RequestTimeout           time.Duration
	MaxConcurrentDecisions   int
	MaxPendingQueue          int
	ConsensusThreshold       float64
	EvaluationBudgetFraction float64
	CompletedCacheSize       int
	EmergencyOverrideEnabled bool
}

type Consensus struct {
	Agents []string
	// Phase budget split inside the consensus window.
	PrePrepareFraction float64
	PrepareFraction    float64
	CommitFraction     float64
	CheckpointInterval uint64
}

type Threshold struct {
	SecurityLevelBits int
	MaxShareAge       time.Duration
}

type Decrypt struct {
	RequestLifetime time.Duration
}

type Node struct {
	ListenAddr string   // libp2p multiaddr, empty = in-process committee only
	Bootstrap  []string // multiaddrs of peers to dial at startup
	APIAddr    string
	DataDir    string
	LogFile    string
}

type Config struct {
	Orchestrator Orchestrator
	Consensus    Consensus
	Threshold    Threshold
	Decrypt      Decrypt
	Node         Node
}

func Default() Config {
	return Config{
		Orchestrator: Orchestrator{
			RequestTimeout:           60 * time.Second,
			MaxConcurrentDecisions:   10,
			MaxPendingQueue:          100,
			ConsensusThreshold:       0.6,
			EvaluationBudgetFraction: 0.8,
			CompletedCacheSize:       10000,
			EmergencyOverrideEnabled: true,
		},
		Consensus: Consensus{
			Agents:             []string{"neutral_agent", "permissive_agent", "strict_agent", "watchdog_agent"},
			PrePrepareFraction: 0.3,
			PrepareFraction:    0.3,
			CommitFraction:     0.4,
			CheckpointInterval: 100,
		},
		Threshold: Threshold{
			SecurityLevelBits: 256,
			MaxShareAge:       time.Hour,
		},
		Decrypt: Decrypt{
			RequestLifetime: 300 * time.Second,
		},
		Node: Node{
			APIAddr: ":8080",
			DataDir: "data",
			LogFile: "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("REQUEST_TIMEOUT_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Orchestrator.RequestTimeout = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_DECISIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.MaxConcurrentDecisions = n
		}
	}
	if v := os.Getenv("MAX_PENDING_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.MaxPendingQueue = n
		}
	}
	if v := os.Getenv("CONSENSUS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Orchestrator.ConsensusThreshold = f
		}
	}
	if v := os.Getenv("EVALUATION_BUDGET_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			cfg.Orchestrator.EvaluationBudgetFraction = f
		}
	}
	if v := os.Getenv("COMPLETED_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.CompletedCacheSize = n
		}
	}
	if v := os.Getenv("EMERGENCY_OVERRIDE_ENABLED"); v != "" {
		cfg.Orchestrator.EmergencyOverrideEnabled = v == "true"
	}

	if v := os.Getenv("AGENTS"); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			cfg.Consensus.Agents = ids
		}
	}
	if v := os.Getenv("CHECKPOINT_INTERVAL"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.Consensus.CheckpointInterval = n
		}
	}

	if v := os.Getenv("SECURITY_LEVEL_BITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 128 {
			cfg.Threshold.SecurityLevelBits = n
		}
	}
	if v := os.Getenv("MAX_SHARE_AGE_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Threshold.MaxShareAge = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("DECRYPT_REQUEST_LIFETIME_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Decrypt.RequestLifetime = time.Duration(s) * time.Second
		}
	}

	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Node.Bootstrap = append(cfg.Node.Bootstrap, addr)
			}
		}
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}
