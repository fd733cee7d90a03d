package location

import (
	"github.com/smallbiznis/fieldtrack/internal/location/aggregate"
	"github.com/smallbiznis/fieldtrack/internal/location/directory"
	"github.com/smallbiznis/fieldtrack/internal/location/repository"
	"github.com/smallbiznis/fieldtrack/internal/location/service"
	"go.uber.org/fx"
)

var Module = fx.Module("location.service",
	fx.Provide(repository.Provide),
	fx.Provide(directory.NewResolverCache),
	fx.Provide(directory.NewResolver),
	fx.Provide(aggregate.NewBuilder),
	fx.Provide(aggregate.Provide),
	fx.Provide(service.NewService),
)
