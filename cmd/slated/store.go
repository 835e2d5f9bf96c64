package main

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/docket-hq/slate-sheikah/internal/config"
	"github.com/docket-hq/slate-sheikah/internal/errors"
	"github.com/docket-hq/slate-sheikah/pkg/store"
)

// connectTimeout bounds the startup reachability check of a store backend.
const connectTimeout = 5 * time.Second

// sqlDriverNames maps dialects to database/sql driver names. Only the
// PostgreSQL driver is linked into slated.
var sqlDriverNames = map[store.SQLDialect]string{
	store.DialectPostgreSQL: "postgres",
	store.DialectMySQL:      "mysql",
	store.DialectSQLite:     "sqlite3",
}

// openStore builds the configured document store. The returned func
// releases backend connections and must be called after the server stops.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.DocumentStore, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		return openRedis(ctx, cfg.Store.Redis, logger)
	case config.DriverSQL:
		return openSQL(ctx, cfg.Store.SQL, logger)
	case config.DriverS3:
		return openS3(ctx, cfg.Store.S3, logger)
	case config.DriverMemory, "":
		logger.Warn("using in-memory store; documents are lost on restart")
		s := store.NewMemoryStore(nil)
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, errors.New("E101").WithField("store.driver")
	}
}

func openRedis(ctx context.Context, rc config.RedisConfig, logger *slog.Logger) (store.DocumentStore, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, errors.New("E140").WithField("store.redis.addr").Wrap(err)
	}

	var opts []store.RedisStoreOption
	if rc.Prefix != "" {
		opts = append(opts, store.WithRedisPrefix(rc.Prefix))
	}
	if rc.TTL > 0 {
		opts = append(opts, store.WithRedisTTL(rc.TTL.Std()))
	}
	s := store.NewRedisStore(client, opts...)
	logger.Info("redis store ready", "addr", rc.Addr, "prefix", s.Prefix())

	return s, func() {
		_ = s.Close()
		_ = client.Close()
	}, nil
}

func openSQL(ctx context.Context, sc config.SQLConfig, logger *slog.Logger) (store.DocumentStore, func(), error) {
	dialect, err := store.ParseDialect(sc.Dialect)
	if err != nil {
		return nil, nil, errors.New("E108").WithField("store.sql.dialect").Wrap(err)
	}

	db, err := sql.Open(sqlDriverNames[dialect], sc.DSN)
	if err != nil {
		return nil, nil, errors.New("E140").
			WithField("store.sql.dsn").
			WithSuggestion("slated links only the PostgreSQL driver; use dialect postgres").
			Wrap(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, errors.New("E140").WithField("store.sql.dsn").Wrap(err)
	}

	opts := []store.SQLStoreOption{store.WithSQLDialect(dialect)}
	if sc.Table != "" {
		opts = append(opts, store.WithSQLTableName(sc.Table))
	}
	s := store.NewSQLStore(db, opts...)

	if sc.CreateTable {
		if err := s.CreateTable(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, errors.New("E142").Wrap(err)
		}
	}
	logger.Info("sql store ready", "dialect", sc.Dialect)

	return s, func() {
		_ = s.Close()
		_ = db.Close()
	}, nil
}

func openS3(ctx context.Context, sc config.S3Config, logger *slog.Logger) (store.DocumentStore, func(), error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if sc.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(sc.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, errors.New("E141").Wrap(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
		}
		o.UsePathStyle = sc.UsePathStyle
	})
	s := store.NewS3Store(client, sc.Bucket, sc.Prefix)
	logger.Info("s3 store ready", "bucket", sc.Bucket, "prefix", sc.Prefix, "region", awsCfg.Region)

	return s, func() { _ = s.Close() }, nil
}
