package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/NeuralTrust/RateGate/pkg/domain"
	"github.com/NeuralTrust/RateGate/pkg/types"
	"github.com/mitchellh/mapstructure"
)

// TierResolver selects a policy name for a request before the engine runs,
// e.g. by subscription plan. An empty name or an unknown tier falls back to
// the limiter's default policy.
type TierResolver func(ctx context.Context, r *Request) (string, error)

type tierConfig struct {
	Algorithm string `mapstructure:"algorithm"`
	Limit     int64  `mapstructure:"limit"`
	Window    string `mapstructure:"window"`
}

// TiersFromSettings decodes a tier table from loosely-typed configuration,
// validating every policy up front.
func TiersFromSettings(settings map[string]interface{}) (map[string]types.Policy, error) {
	raw := map[string]tierConfig{}
	if err := mapstructure.Decode(settings, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}

	tiers := make(map[string]types.Policy, len(raw))
	for name, cfg := range raw {
		window, err := time.ParseDuration(cfg.Window)
		if err != nil {
			return nil, fmt.Errorf("%w: tier %s: invalid window %q: %v", domain.ErrInvalidPolicy, name, cfg.Window, err)
		}
		policy := types.Policy{
			Algorithm: types.Algorithm(cfg.Algorithm),
			Limit:     cfg.Limit,
			Window:    window,
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}
		tiers[name] = policy
	}
	return tiers, nil
}
