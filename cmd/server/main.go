package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/commerce-core/internal/adapter/eventbus"
	"github.com/rl1809/commerce-core/internal/adapter/handler"
	"github.com/rl1809/commerce-core/internal/adapter/storage"
	"github.com/rl1809/commerce-core/internal/config"
	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/lock"
	"github.com/rl1809/commerce-core/internal/core/service"
)

const shutdownTimeout = 5 * time.Second

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	app := &cli.App{
		Name:  "commerce-core",
		Usage: "order, coupon and inventory service",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and gRPC servers",
				Action: func(c *cli.Context) error { return serve(c.Context, log) },
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Action: func(c *cli.Context) error { return migrate(log) },
			},
			{
				Name:  "init-coupon",
				Usage: "register a coupon or reset its stock",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "code", Required: true, Usage: "eight uppercase letters"},
					&cli.StringFlag{Name: "name", Usage: "display name, defaults to the code"},
					&cli.StringFlag{Name: "discount", Value: "0", Usage: "fixed discount amount"},
					&cli.IntFlag{Name: "quantity", Value: 100, Usage: "number of coupons"},
				},
				Action: func(c *cli.Context) error { return initCoupon(c, log) },
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("command failed")
	}
}

type deps struct {
	cfg   config.Config
	db    *sqlx.DB
	rdb   *redis.Client
	redis *storage.RedisAdapter
	mysql *storage.MySQLAdapter
}

func connect(ctx context.Context, log *logrus.Logger) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.Level())

	db, err := sqlx.ConnectContext(ctx, "mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, errors.Wrap(err, "connect mysql")
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQLMaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQLConnLifetime)
	log.Info("connected to mysql")

	rdb := redis.NewClient(cfg.Redis())
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect redis")
	}
	log.WithField("addr", cfg.RedisAddr).Info("connected to redis")

	return &deps{
		cfg:   cfg,
		db:    db,
		rdb:   rdb,
		redis: storage.NewRedisAdapter(rdb),
		mysql: storage.NewMySQLAdapter(db),
	}, nil
}

func (d *deps) Close() {
	d.rdb.Close()
	d.db.Close()
}

func serve(ctx context.Context, log *logrus.Logger) error {
	d, err := connect(ctx, log)
	if err != nil {
		return err
	}
	defer d.Close()

	locker := lock.NewManager(d.redis, d.cfg.Lock(), log)
	dispatcher := eventbus.NewDispatcher(d.cfg.EventBus(), log)
	orders := service.NewOrderService(d.mysql, locker, d.redis, log)
	coupons := service.NewCouponService(d.redis, d.mysql, d.cfg.Coupon(), log)
	service.NewSagaCoordinator(d.mysql, locker, orders, d.redis, d.redis, log).Register(dispatcher)
	relay := eventbus.NewRelay(d.mysql, dispatcher, d.cfg.Relay(), log)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	var background errgroup.Group
	background.Go(func() error { return relay.Run(relayCtx) })
	background.Go(func() error { return coupons.Run(context.Background()) })

	grpcServer := grpc.NewServer()
	handler.RegisterCommerceServer(grpcServer, handler.NewGRPCHandler(orders, coupons, log))

	lis, err := net.Listen("tcp", d.cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", d.cfg.GRPCAddr)
	}
	go func() {
		log.WithField("addr", d.cfg.GRPCAddr).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC server error")
		}
	}()

	httpServer := &http.Server{
		Addr:              d.cfg.HTTPAddr,
		Handler:           handler.NewHTTPHandler(orders, coupons, d.redis, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("addr", d.cfg.HTTPAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	// Writers drain the queue after Close. The relay stops on cancel once its
	// current batch is delivered.
	stopRelay()
	coupons.Close()
	if err := background.Wait(); err != nil {
		log.WithError(err).Error("background worker failed")
	}
	log.Info("background workers stopped")

	dispatcher.Close()
	log.Info("event bus closed")
	return nil
}

func migrate(log *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.SetLevel(cfg.Level())

	if err := storage.Migrate(cfg.MySQLDSN); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

func initCoupon(c *cli.Context, log *logrus.Logger) error {
	discount, err := decimal.NewFromString(c.String("discount"))
	if err != nil {
		return errors.Wrap(err, "parse discount")
	}
	code := c.String("code")
	name := c.String("name")
	if name == "" {
		name = code
	}

	d, err := connect(c.Context, log)
	if err != nil {
		return err
	}
	defer d.Close()

	coupons := service.NewCouponService(d.redis, d.mysql, d.cfg.Coupon(), log)
	_, err = coupons.RegisterCoupon(c.Context, service.RegisterCouponCommand{
		Code:     code,
		Name:     name,
		Discount: discount,
		Quantity: c.Int("quantity"),
	})
	if errors.Is(err, domain.ErrCouponExists) {
		return coupons.ResetCoupon(c.Context, code)
	}
	return err
}
