package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/CDCgov/nhsnlink-sub007/alert"
	audithook "github.com/CDCgov/nhsnlink-sub007/audit_hook"
	"github.com/CDCgov/nhsnlink-sub007/engine"
	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/kafka"
	"github.com/CDCgov/nhsnlink-sub007/roster"
	"github.com/CDCgov/nhsnlink-sub007/store"
	"github.com/CDCgov/nhsnlink-sub007/store/memory"
	"github.com/CDCgov/nhsnlink-sub007/store/mongo"
	"github.com/CDCgov/nhsnlink-sub007/store/postgres"
	"github.com/CDCgov/nhsnlink-sub007/store/redis"
)

func newServeCommand(load func() (Settings, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume patient and report events and release dispatches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(s.Log.Level, s.Log.Format)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s, logger)
		},
	}
}

func serve(ctx context.Context, s Settings, logger *slog.Logger) error {
	cfg, err := s.Engine.EngineConfig()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, s, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", s.Store.Driver, err)
	}

	src := kafka.NewSource(kafka.NewReader(s.Kafka), kafka.NewWriter(s.Kafka),
		kafka.WithRetryTopic(s.Kafka.RetryTopic),
		kafka.WithLogger(logger),
	)
	defer src.Close()
	out := kafka.NewSink(kafka.NewWriter(s.Kafka), s.Kafka.DispatchTopic)
	defer out.Close()

	opts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
		engine.WithStore(st),
		engine.WithSource(src),
		engine.WithSink(out),
		engine.WithFacilities(facility.FileProvider{Path: s.Facilities}),
		engine.WithQueueLimits(s.Limits...),
		engine.WithExtension(alert.NewExtension(notifier(s, logger),
			alert.WithLateThreshold(s.Alert.LateThreshold),
			alert.WithLogger(logger),
		)),
	}
	if len(s.Roster) > 0 {
		opts = append(opts, engine.WithRoster(roster.Static(s.Roster)))
	}
	if s.Audit {
		w := kafka.NewWriter(s.Kafka)
		defer w.Close()
		rec := kafka.NewAuditRecorder(w, s.Kafka.AuditTopic)
		opts = append(opts, engine.WithExtension(audithook.New(rec, audithook.WithLogger(logger))))
	}

	eng, err := engine.New(opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Info("querydispatch started",
		slog.String("store", s.Store.Driver),
		slog.Any("brokers", s.Kafka.Brokers),
		slog.String("facilities", s.Facilities),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return eng.Stop(stopCtx)
}

// openStore connects the configured backend. The returned func releases the
// driver client.
func openStore(ctx context.Context, s Settings, logger *slog.Logger) (store.Store, func(), error) {
	switch s.Store.Driver {
	case "", "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil

	case "postgres":
		st, err := postgres.New(ctx, s.Store.URL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return st, func() { _ = st.Close() }, nil

	case "redis":
		ropts, err := goredis.ParseURL(s.Store.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(ropts)
		return redis.New(client, redis.WithLogger(logger)), func() { _ = client.Close() }, nil

	case "mongo":
		client, err := mongod.Connect(options.Client().ApplyURI(s.Store.URL))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect", slog.String("error", err.Error()))
			}
		}
		return mongo.New(client.Database(s.Store.Database), mongo.WithLogger(logger)), closeFn, nil

	default:
		return nil, nil, errors.New("unknown store driver " + s.Store.Driver)
	}
}

// notifier fans alerts out to the log and to Slack and email when they are
// configured.
func notifier(s Settings, logger *slog.Logger) alert.Notifier {
	n := alert.Multi{alert.LogNotifier{Logger: logger}}
	if s.Alert.Slack.Token != "" && s.Alert.Slack.Channel != "" {
		n = append(n, alert.NewSlackNotifier(s.Alert.Slack.Token, s.Alert.Slack.Channel))
	}
	if s.Alert.Email.Host != "" && len(s.Alert.Email.To) > 0 {
		n = append(n, alert.NewEmailNotifier(s.Alert.Email))
	}
	return n
}
