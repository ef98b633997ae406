package chunking

import (
	"fmt"
	"strings"

	"github.com/developer-mesh/rag-core/pkg/observability"
)

// Pricing tiers with recommended configurations per strategy.
const (
	TierEconomy  = "economy"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// New creates a chunker for the named strategy. Unknown names produce an
// error listing the supported strategies.
func New(strategy string, config Config, logger observability.Logger) (Chunker, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case StrategyFixed, StrategyFixedSize:
		return NewFixedSizeChunker(config, logger)
	case StrategyRecursive:
		return NewRecursiveChunker(config, logger)
	case StrategySemantic:
		return NewSemanticChunker(config, logger)
	default:
		return nil, fmt.Errorf("unsupported chunking strategy: %q (supported: %s)",
			strategy, strings.Join(SupportedStrategies(), ", "))
	}
}

// SupportedStrategies returns the strategy names the factory accepts.
func SupportedStrategies() []string {
	return []string{StrategySemantic, StrategyFixed, StrategyFixedSize, StrategyRecursive}
}

// tierConfigs maps strategy -> tier -> recommended configuration. Economy
// favors fewer, larger chunks to minimize embedding spend; premium favors
// smaller chunks with more overlap for retrieval quality.
var tierConfigs = map[string]map[string]Config{
	StrategyFixedSize: {
		TierEconomy:  {ChunkSize: 1200, ChunkOverlap: 100, MinChunkSize: 100, MaxChunkSize: 2400},
		TierStandard: {ChunkSize: 800, ChunkOverlap: 150, MinChunkSize: 100, MaxChunkSize: 1600},
		TierPremium:  {ChunkSize: 512, ChunkOverlap: 128, MinChunkSize: 64, MaxChunkSize: 1024},
	},
	StrategyRecursive: {
		TierEconomy:  {ChunkSize: 1200, ChunkOverlap: 100, MinChunkSize: 100, MaxChunkSize: 2400},
		TierStandard: {ChunkSize: 800, ChunkOverlap: 150, MinChunkSize: 100, MaxChunkSize: 1600},
		TierPremium:  {ChunkSize: 512, ChunkOverlap: 128, MinChunkSize: 64, MaxChunkSize: 1024},
	},
	StrategySemantic: {
		TierEconomy: {
			ChunkSize: 1200, ChunkOverlap: 120, MinChunkSize: 100, MaxChunkSize: 2400,
			RespectParagraphs: true,
		},
		TierStandard: {
			ChunkSize: 800, ChunkOverlap: 160, MinChunkSize: 100, MaxChunkSize: 1600,
			RespectParagraphs: true, RespectHeaders: true, PreserveCodeBlocks: true,
		},
		TierPremium: {
			ChunkSize: 512, ChunkOverlap: 128, MinChunkSize: 64, MaxChunkSize: 1024,
			RespectParagraphs: true, RespectHeaders: true, PreserveCodeBlocks: true,
		},
	},
}

// TierConfig returns the recommended configuration for a strategy and tier.
func TierConfig(strategy, tier string) (Config, error) {
	name := strings.ToLower(strings.TrimSpace(strategy))
	if name == StrategyFixed {
		name = StrategyFixedSize
	}
	tiers, ok := tierConfigs[name]
	if !ok {
		return Config{}, fmt.Errorf("unsupported chunking strategy: %q (supported: %s)",
			strategy, strings.Join(SupportedStrategies(), ", "))
	}
	config, ok := tiers[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return Config{}, fmt.Errorf("unsupported tier: %q (supported: %s, %s, %s)",
			tier, TierEconomy, TierStandard, TierPremium)
	}
	return config, nil
}
