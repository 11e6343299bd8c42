package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"yuim/services/im-relay/internal/call"
	"yuim/services/im-relay/internal/config"
	"yuim/services/im-relay/internal/db"
	"yuim/services/im-relay/internal/metrics"
	"yuim/services/im-relay/internal/mq"
	"yuim/services/im-relay/internal/outbox"
	"yuim/services/im-relay/internal/presence"
	"yuim/services/im-relay/internal/relay"
	"yuim/services/im-relay/internal/repo"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("im-relay starting", zap.String("version", Version), zap.String("addr", cfg.HTTP.Addr), zap.String("comet_addr", cfg.CometAddr))

	metrics.Register()

	mysql, err := db.Open(db.Options{
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
	})
	if err != nil {
		log.Fatal("mysql init failed", zap.Error(err))
	}
	defer mysql.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		defer rdb.Close()
	}

	sf := sonyflake.NewSonyflake(sonyflake.Settings{})
	if sf == nil {
		log.Fatal("sonyflake init failed")
	}

	msgRepo := repo.NewMessageRepo(mysql.DB)
	userRepo := repo.NewUserRepo(mysql.DB)

	reg := presence.NewRegistry()
	var routes *presence.RouteStore
	if rdb != nil {
		routes = presence.NewRouteStore(rdb, cfg.CometAddr, cfg.RouteTTL)
	}

	calls := call.NewCoordinator(reg, log)
	pipe := relay.NewPipeline(msgRepo, reg, sf.NextID, log, cfg.Outbox.Enabled)
	srv := relay.NewServer(cfg, log, reg, calls, pipe, routes, userRepo, rdb)

	if cfg.Outbox.Enabled && cfg.RocketMQ.Enabled {
		prod, err := mq.NewRocketMQ(mq.Settings{
			NameServer: cfg.RocketMQ.NameServer,
			Topic:      cfg.RocketMQ.Topic,
			Tag:        cfg.RocketMQ.Tag,
			Group:      cfg.RocketMQ.ProducerGroup,
		})
		if err != nil {
			log.Fatal("rocketmq producer init failed", zap.Error(err))
		}
		defer prod.Close()

		obw := outbox.NewWorker(outbox.NewRepo(mysql.DB), prod, log, outbox.Options{
			Tick:  cfg.Outbox.Tick,
			Batch: cfg.Outbox.Batch,
		})
		obw.Start()
		defer obw.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) })
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/v1/messages", srv.HistoryHandler(msgRepo))

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		log.Info("im-relay listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	log.Info("im-relay shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}
