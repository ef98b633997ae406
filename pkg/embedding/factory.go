package embedding

import (
	"fmt"
	"sort"
	"strings"

	"github.com/developer-mesh/rag-core/pkg/observability"
)

// Pricing tiers with recommended models per provider.
const (
	TierEconomy  = "economy"
	TierStandard = "standard"
	TierPremium  = "premium"
)

type constructor func(cfg Config, logger observability.Logger) (Service, error)

// constructors is the provider registry. Adding a provider means adding an
// entry here; nothing registers itself at init time.
var constructors = map[string]constructor{
	ProviderBedrock: func(cfg Config, logger observability.Logger) (Service, error) {
		return NewBedrockService(cfg, logger)
	},
	ProviderOpenAI: func(cfg Config, logger observability.Logger) (Service, error) {
		return NewOpenAIService(cfg, logger)
	},
	ProviderLocal: func(cfg Config, logger observability.Logger) (Service, error) {
		return NewLocalService(cfg, logger)
	},
}

// New creates the embedding service for the named provider. An empty name
// falls back to cfg.Provider. Unknown names produce an error listing the
// registered providers.
func New(provider string, cfg Config, logger observability.Logger) (Service, error) {
	if provider == "" {
		provider = cfg.Provider
	}
	build, ok := constructors[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, fmt.Errorf("unsupported embedding provider: %q (supported: %s)",
			provider, strings.Join(SupportedProviders(), ", "))
	}
	return build(cfg, logger)
}

// SupportedProviders returns the registered provider names, sorted.
func SupportedProviders() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// tierModels maps provider -> tier -> recommended model. Economy favors the
// cheapest usable model; premium favors retrieval quality.
var tierModels = map[string]map[string]string{
	ProviderBedrock: {
		TierEconomy:  ModelTitanV1,
		TierStandard: ModelTitanV2,
		TierPremium:  ModelCohereEnglish,
	},
	ProviderOpenAI: {
		TierEconomy:  ModelOpenAISmall,
		TierStandard: ModelOpenAISmall,
		TierPremium:  ModelOpenAILarge,
	},
	ProviderLocal: {
		TierEconomy:  ModelAllMiniLM,
		TierStandard: ModelNomicEmbed,
		TierPremium:  ModelMxbaiLarge,
	},
}

// TierModel returns the recommended model for a provider and tier.
func TierModel(provider, tier string) (string, error) {
	tiers, ok := tierModels[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return "", fmt.Errorf("unsupported embedding provider: %q (supported: %s)",
			provider, strings.Join(SupportedProviders(), ", "))
	}
	model, ok := tiers[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return "", fmt.Errorf("unsupported tier: %q (supported: %s, %s, %s)",
			tier, TierEconomy, TierStandard, TierPremium)
	}
	return model, nil
}
