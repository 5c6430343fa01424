package app

import (
	"context"

	"tradeloop/internal/config"

	"github.com/google/wire"
)

var providerSet = wire.NewSet(provideAppBuilder, provideAppFromBuilder)

func provideAppFromBuilder(b *AppBuilder, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config, cfgPath string) *AppBuilder {
	return NewAppBuilder(cfg, cfgPath)
}
