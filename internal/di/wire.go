//go:build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/replaysMike/binner-auth/internal/app"
	"github.com/replaysMike/binner-auth/internal/config"
	"github.com/replaysMike/binner-auth/internal/http/handler"
	"github.com/replaysMike/binner-auth/internal/observability"
	"github.com/replaysMike/binner-auth/internal/repository"
	"github.com/replaysMike/binner-auth/internal/service"
)

var coreSet = wire.NewSet(
	ProvideLogger,
	ProvideDatabase,
	ProvideRedis,
	ProvideStore,
	wire.Bind(new(repository.Store), new(*repository.GormStore)),
	ProvideTokenCodec,
	ProvidePasswordHasher,
	ProvideAbuseGuard,
	ProvideAuthService,
)

func InitializeApp(ctx context.Context, cfg *config.Config, rt *observability.Runtime) (*app.App, func(), error) {
	wire.Build(
		coreSet,
		ProvideNotifier,
		ProvideAuthHandler,
		handler.NewUserHandler,
		ProvideRouter,
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}

func InitializeAuthService(ctx context.Context, cfg *config.Config, rt *observability.Runtime) (*service.AuthService, func(), error) {
	wire.Build(coreSet)
	return nil, nil, nil
}
