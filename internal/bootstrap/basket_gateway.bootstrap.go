package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/basket-gateway/internal/config"
	"github.com/krobus00/basket-gateway/internal/constant"
	"github.com/krobus00/basket-gateway/internal/entity"
	basketHTTP "github.com/krobus00/basket-gateway/internal/handler/basket/http"
	"github.com/krobus00/basket-gateway/internal/infrastructure"
	"github.com/krobus00/basket-gateway/internal/repository"
	"github.com/krobus00/basket-gateway/internal/service/adapter"
	"github.com/krobus00/basket-gateway/internal/service/association"
	"github.com/krobus00/basket-gateway/internal/service/basket"
	"github.com/krobus00/basket-gateway/internal/service/clientbridge"
	"github.com/krobus00/basket-gateway/internal/service/routing"
	"github.com/krobus00/basket-gateway/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const basketHealthService = "basket"

func StartBasketGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := infrastructure.InitTelemetry(ctx, config.Env.Telemetry)
	util.ContinueOrFatal(err)

	var nc *nats.Conn
	if strings.TrimSpace(config.Env.NatsJetstream.URL) != "" || adapter.UsesNats(config.Env.Adapters) {
		nc, err = infrastructure.NewNatsConnection()
		util.ContinueOrFatal(err)
	}

	stores := initAssociationStores(ctx)
	securities := association.NewProvider(entity.AssociationKindSecurity, stores.securityRepo(), stores.cache)
	portfolios := association.NewProvider(entity.AssociationKindPortfolio, stores.portfolioRepo(), stores.cache)
	for _, provider := range []*association.Provider{securities, portfolios} {
		err = provider.Load(ctx)
		util.ContinueOrFatal(err)
	}

	innerAdapters, err := adapter.BuildAdapters(config.Env.Adapters, nc)
	util.ContinueOrFatal(err)

	manager := routing.NewManager(routing.Options{
		Securities:         securities,
		Portfolios:         portfolios,
		ShareSubscriptions: config.Env.Routing.ShareSubscriptions,
		TombstoneCapacity:  config.Env.Routing.TombstoneCapacity,
		PendingLimit:       config.Env.Routing.PendingLimit,
	})
	basketAdapter := basket.NewBasketMessageAdapter(manager, innerAdapters...)

	for _, inner := range innerAdapters {
		logrus.WithFields(logrus.Fields{
			"adapter":    inner.Name(),
			"adapter_id": inner.ID(),
		}).Info("inner adapter registered")
	}

	if nc != nil && strings.TrimSpace(config.Env.NatsJetstream.URL) != "" {
		js, err := infrastructure.NewJetstream(nc)
		util.ContinueOrFatal(err)

		bridge := clientbridge.NewJetstreamBridge(js, basketAdapter)

		publishers := make([]entity.Publisher, 0)
		publishers = append(publishers, bridge)
		for _, v := range publishers {
			err = v.JetstreamEventInit(ctx)
			util.ContinueOrFatal(err)
		}

		subscribers := make([]entity.Subscriber, 0)
		subscribers = append(subscribers, bridge)
		for _, v := range subscribers {
			err = v.JetstreamEventSubscribe(ctx)
			util.ContinueOrFatal(err)
		}
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus(basketHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	basketAdapter.AddOutMessageHandler(func(msg entity.Message) {
		switch msg.(type) {
		case *entity.ConnectResponse, *entity.DisconnectResponse, *entity.ConnectionLostMessage, *entity.ConnectionRestoredMessage:
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if basketAdapter.ConnectedCount() > 0 {
				status = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus(basketHealthService, status)
		}
	})

	if config.Env.Env == constant.DevelopmentEnvironment {
		reflection.Register(grpcServer)
	}

	grpcPort := fmt.Sprintf(":%s", config.Env.Port[constant.BasketGatewayGRPCPort])

	lis, err := net.Listen("tcp", grpcPort)
	util.ContinueOrFatal(err)

	go func() {
		_ = grpcServer.Serve(lis)
	}()
	logrus.Info(fmt.Sprintf("grpc server started on %s", grpcPort))

	basketHTTPHandler := basketHTTP.NewBasketHTTPHandler(ctx, basketAdapter, securities, portfolios)
	basketAdapter.AddOutMessageHandler(basketHTTPHandler.Broadcast)
	httpMux := infrastructure.NewHTTPMux(func() bool {
		return basketAdapter.ConnectedCount() > 0
	})
	basketHTTPHandler.Register(httpMux)

	httpPort := fmt.Sprintf(":%s", config.Env.Port[constant.BasketGatewayHTTPPort])
	httpServer := infrastructure.NewHTTPServer(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	if config.Env.Routing.AutoConnect {
		err = basketAdapter.SendInMessage(ctx, &entity.ConnectMessage{})
		util.ContinueOrFatal(err)
	}

	ops := map[string]operation{
		"basket adapter": func(ctx context.Context) error {
			err := basketAdapter.SendInMessage(ctx, &entity.DisconnectMessage{})
			if errors.Is(err, routing.ErrSessionChangeInFlight) {
				return nil
			}
			return err
		},
		"grpc": func(ctx context.Context) error {
			healthServer.Shutdown()
			grpcServer.GracefulStop()
			return nil
		},
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"telemetry": func(ctx context.Context) error {
			return shutdownTelemetry(ctx)
		},
	}
	if nc != nil {
		ops["nats connection"] = func(ctx context.Context) error {
			return infrastructure.CloseNats(nc)
		}
	}
	for name, closer := range stores.closers {
		ops[name] = func(ctx context.Context) error {
			cancel()
			return closer()
		}
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, ops)

	<-wait
}

// associationStores holds the optional persistence behind the association
// providers. Without a database or redis config the providers are
// memory only.
type associationStores struct {
	db      *sqlx.DB
	cache   association.Cache
	closers map[string]func() error
}

func (s associationStores) securityRepo() association.Store {
	if s.db == nil {
		return nil
	}
	return repository.NewSecurityAssociationRepository(s.db)
}

func (s associationStores) portfolioRepo() association.Store {
	if s.db == nil {
		return nil
	}
	return repository.NewPortfolioAssociationRepository(s.db)
}

func initAssociationStores(ctx context.Context) associationStores {
	stores := associationStores{closers: make(map[string]func() error)}

	if dbConfig, ok := config.Env.Database[constant.BasketDatabase]; ok && strings.TrimSpace(dbConfig.DSN) != "" {
		db, err := infrastructure.NewPostgresConnection(ctx, dbConfig)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, db, dbConfig.PingInterval)

		stores.db = db
		stores.closers["basket database"] = db.Close
	}

	if redisConfig, ok := config.Env.Redis[constant.BasketRedis]; ok && strings.TrimSpace(redisConfig.CacheDSN) != "" {
		client, err := infrastructure.NewRedisClient(ctx, redisConfig)
		util.ContinueOrFatal(err)

		stores.cache = association.NewRedisCache(client, redisConfig.CacheTTL)
		stores.closers["basket redis"] = client.Close
	}

	return stores
}
