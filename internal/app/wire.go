//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"github.com/burugo/dbconn/config"
)

// Initialize assembles the application described by cfg. The returned
// cleanup closes connections, then the event bus and cache store.
func Initialize(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	wire.Build(ProviderSet)
	return nil, nil, nil
}
