package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"optchain.dev/node/consensus"
)

// Config holds every runtime parameter the CLI accepts: networking,
// sharding/experiment identity, block and symbol sizing, PoW targets, and
// confirmation depth. Grounded on the teacher's flat Config struct shape,
// fields replaced with original_source/configuration.rs's Configuration.
type Config struct {
	P2PAddr    string   `json:"p2p_addr"`
	APIAddr    string   `json:"api_addr"`
	ConnectTo  []string `json:"connect_to"`
	P2PWorkers int      `json:"p2p_workers"`
	DataDir    string   `json:"data_dir"`
	LogLevel   string   `json:"log_level"`

	ShardID      uint32 `json:"shard_id"`
	NodeID       uint32 `json:"node_id"`
	ExperNumber  int    `json:"exper_number"`
	ExperIter    int    `json:"exper_iter"`
	ShardNum     int    `json:"shard_num"`
	ShardSize    int    `json:"shard_size"`

	BlockSize         int `json:"block_size"`
	SymbolSize        int `json:"symbol_size"`
	PropSize          int `json:"prop_size"`
	AvaiSize          int `json:"avai_size"`
	ExReqNum          int `json:"ex_req_num"`
	InReqNum          int `json:"in_req_num"`
	K                 int `json:"k"`
	VerifierInterval  int `json:"verifier_interval_seconds"`

	TxDiff    consensus.H256 `json:"tx_diff"`
	PropDiff  consensus.H256 `json:"prop_diff"`
	AvaiDiff  consensus.H256 `json:"avai_diff"`
	InAvaiDiff consensus.H256 `json:"in_avai_diff"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".optchain"
	}
	return filepath.Join(home, ".optchain")
}

// easyTarget returns a PoW target whose leading byte is zero and every
// other byte saturated, satisfied after an average of ~256 nonce
// attempts — fast enough for a devnet to mine continuously without a
// dedicated difficulty flag.
func easyTarget() consensus.H256 {
	var t consensus.H256
	for i := 1; i < len(t); i++ {
		t[i] = 0xFF
	}
	return t
}

// DefaultConfig matches a one-shard, low-depth devnet: small enough to
// mine quickly, structurally valid (BlockSize a multiple of SymbolSize).
func DefaultConfig() Config {
	diff := easyTarget()
	return Config{
		P2PAddr:          "127.0.0.1:6000",
		APIAddr:          "127.0.0.1:7000",
		P2PWorkers:       1,
		DataDir:          DefaultDataDir(),
		LogLevel:         "info",
		ShardID:          0,
		ShardNum:         1,
		ShardSize:        1,
		BlockSize:        16,
		SymbolSize:       4,
		PropSize:         8,
		AvaiSize:         8,
		ExReqNum:         2,
		InReqNum:         1,
		K:                2,
		VerifierInterval: 30,
		TxDiff:           diff,
		PropDiff:         diff,
		AvaiDiff:         diff,
		InAvaiDiff:       diff,
	}
}

func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ValidateConfig enforces the structural invariants the CLI and sizing
// parameters are documented to hold.
func ValidateConfig(cfg Config) error {
	if err := validateAddr(cfg.P2PAddr); err != nil {
		return fmt.Errorf("invalid p2p addr: %w", err)
	}
	if err := validateAddr(cfg.APIAddr); err != nil {
		return fmt.Errorf("invalid api addr: %w", err)
	}
	for _, peer := range cfg.ConnectTo {
		if err := validatePeerAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.P2PWorkers <= 0 {
		return errors.New("p2p_workers must be > 0")
	}
	if cfg.ShardNum <= 0 {
		return errors.New("shard_num must be > 0")
	}
	if int(cfg.ShardID) >= cfg.ShardNum {
		return fmt.Errorf("shard_id %d out of range for shard_num %d", cfg.ShardID, cfg.ShardNum)
	}
	if cfg.BlockSize <= 0 || cfg.SymbolSize <= 0 {
		return errors.New("block_size and symbol_size must be > 0")
	}
	if cfg.BlockSize%cfg.SymbolSize != 0 {
		return fmt.Errorf("block_size %d must be a multiple of symbol_size %d", cfg.BlockSize, cfg.SymbolSize)
	}
	if cfg.ExReqNum <= 0 || cfg.ExReqNum > cfg.NumSymbolPerBlock() {
		return fmt.Errorf("ex_req_num must be in (0, %d]", cfg.NumSymbolPerBlock())
	}
	if cfg.InReqNum <= 0 || cfg.InReqNum > cfg.NumSymbolPerBlock() {
		return fmt.Errorf("in_req_num must be in (0, %d]", cfg.NumSymbolPerBlock())
	}
	if cfg.K < 0 {
		return errors.New("k must be >= 0")
	}
	return nil
}

// NumSymbolPerBlock is block_size / symbol_size, the number of symbol
// slots a transaction block's cmt_root Merkle tree actually has.
func (cfg Config) NumSymbolPerBlock() int {
	if cfg.SymbolSize == 0 {
		return 0
	}
	return cfg.BlockSize / cfg.SymbolSize
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}
