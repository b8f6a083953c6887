package state

import (
	fpmath "PerpVault/internal/math"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

var ErrUnknownToken = errors.New("unknown token")

// TokenConfig is the per-token whitelist entry. The engine only reads it; configuration
// events replace it wholesale.
type TokenConfig struct {
	Token              string
	Decimals           uint8
	Weight             uint64
	MinProfitBps       uint64      // profit below this move is not realised inside the min-profit window
	MaxUsdgAmount      uint256.Int // zero means uncapped
	BufferAmount       uint256.Int // pool may not be swapped below this
	MaxGlobalShortSize uint256.Int // USD, zero means uncapped
	SpreadBps          uint64
	IsStable           bool
	IsShortable        bool
}

// ValidateTokenConfig checks ranges before a config is accepted.
func ValidateTokenConfig(cfg *TokenConfig) error {
	if cfg.Token == "" {
		return fmt.Errorf("token must be set")
	}
	if cfg.Decimals > fpmath.PriceDecimals {
		return fmt.Errorf("decimals must be <= %d, got %d", fpmath.PriceDecimals, cfg.Decimals)
	}
	if cfg.MinProfitBps > fpmath.BasisPoints {
		return fmt.Errorf("min_profit_bps must be <= %d, got %d", fpmath.BasisPoints, cfg.MinProfitBps)
	}
	if cfg.SpreadBps >= fpmath.BasisPoints {
		return fmt.Errorf("spread_bps must be < %d, got %d", fpmath.BasisPoints, cfg.SpreadBps)
	}
	if cfg.IsStable && cfg.IsShortable {
		return fmt.Errorf("stable token %s cannot be shortable", cfg.Token)
	}
	return nil
}

// TokenRegistry holds the whitelisted tokens and the sum of their weights.
type TokenRegistry struct {
	tokens       map[string]*TokenConfig
	totalWeights uint64
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]*TokenConfig)}
}

// Set adds or replaces a token config.
func (r *TokenRegistry) Set(cfg TokenConfig) error {
	if err := ValidateTokenConfig(&cfg); err != nil {
		return fmt.Errorf("invalid token config for %s: %w", cfg.Token, err)
	}
	if prev, ok := r.tokens[cfg.Token]; ok {
		r.totalWeights -= prev.Weight
	}
	cp := cfg
	r.tokens[cfg.Token] = &cp
	r.totalWeights += cfg.Weight
	return nil
}

// Clear removes a token from the whitelist.
func (r *TokenRegistry) Clear(token string) error {
	prev, ok := r.tokens[token]
	if !ok {
		return fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	r.totalWeights -= prev.Weight
	delete(r.tokens, token)
	return nil
}

// Get returns the config or ErrUnknownToken. Unconfigured tokens never read as zero.
func (r *TokenRegistry) Get(token string) (*TokenConfig, error) {
	cfg, ok := r.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	return cfg, nil
}

func (r *TokenRegistry) IsWhitelisted(token string) bool {
	_, ok := r.tokens[token]
	return ok
}

func (r *TokenRegistry) TotalWeights() uint64 {
	return r.totalWeights
}

// Tokens returns whitelisted tokens in a stable order.
func (r *TokenRegistry) Tokens() []string {
	out := make([]string, 0, len(r.tokens))
	for t := range r.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// All returns copies of every config, sorted by token.
func (r *TokenRegistry) All() []TokenConfig {
	out := make([]TokenConfig, 0, len(r.tokens))
	for _, t := range r.Tokens() {
		out = append(out, *r.tokens[t])
	}
	return out
}
