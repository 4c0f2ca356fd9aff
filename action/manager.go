package action

import (
	"context"

	"github.com/saiset-co/sai-portal/types"
)

// NewActionBroker returns nil without error when the actions section is disabled.
func NewActionBroker(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.ActionBroker, error) {
	if config == nil || config.GetConfig() == nil {
		return nil, types.ErrConfigIsNil
	}

	actionsConfig := config.GetConfig().Actions
	if actionsConfig == nil || !actionsConfig.Enabled {
		return nil, nil
	}

	broker, err := NewWebSocketBroker(ctx, actionsConfig, logger, metrics)
	if err != nil {
		return nil, err
	}

	return broker, nil
}
