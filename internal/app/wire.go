//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"tradeloop/internal/config"

	"github.com/google/wire"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config, cfgPath string) (*App, error) {
	wire.Build(providerSet)
	return nil, nil
}
