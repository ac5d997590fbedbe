package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snipbin/cfg"
	"snipbin/pkg/kms"
	"snipbin/svc/api"
	"snipbin/svc/auth"
	"snipbin/svc/blob"
	"snipbin/svc/cache"
	"snipbin/svc/db"
	"snipbin/svc/svc"
	"snipbin/svc/util"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func main() {
	health := pflag.Bool("health", false, "probe the local /health endpoint and exit")
	envFiles := pflag.StringSlice("env-file", nil, "dotenv files to load before reading the environment")
	pflag.Parse()

	util.InitBootLog()
	c, err := cfg.Load(*envFiles...)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if *health {
		os.Exit(probeHealth(c.Port))
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting snipbin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		os.Exit(1)
	}

	var pepper []byte
	if c.PepperFromKMS {
		pepper, err = kms.LoadPepper(ctx, kmsAdapter, "ARGON2_PEPPER")
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to load pepper from KMS")
			os.Exit(1)
		}
	} else {
		pepper = []byte(c.Pepper.Value())
	}

	meta, err := openMetadata(c)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize metadata store")
		os.Exit(1)
	}
	defer meta.Close()
	util.Info().Str("driver", meta.Dialect()).Msg("metadata store initialized")

	pasteCache, sharedCache, err := openCache(ctx, c)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize cache")
		os.Exit(1)
	}
	if sharedCache != nil {
		defer sharedCache.Close()
	}
	util.Info().Str("backend", c.CacheBackend).Int("lru_size", c.LRUCacheSize).Msg("cache initialized")

	blobs, stopBlobs, err := openBlobs(ctx, c, kmsAdapter)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize blob store")
		os.Exit(1)
	}
	defer stopBlobs()
	util.Info().
		Str("backend", c.Blob.Backend).
		Str("compression", c.Blob.Compression).
		Bool("encrypted", c.Blob.Encrypt).
		Msg("blob store initialized")

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	util.Wipe(pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	pasteSvc := svc.NewPaste(meta, blobs, pasteCache, hasher, c)

	backends := api.Backends{Metadata: meta, Blob: blobs}
	if sharedCache != nil {
		backends.Cache = sharedCache
	}
	server := api.NewServer(c, pasteSvc, backends)

	if meta.Dialect() == "sqlite" {
		go meta.StartWALMaintenance(ctx)
		util.Info().Msg("WAL maintenance worker started")
	}

	if c.RetentionInterval > 0 {
		if err := pasteSvc.StartReaper(ctx, c.RetentionInterval, c.RetentionBatch); err != nil {
			util.Error().Err(err).Msg("failed to start reaper")
		}
	}

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	cancel()
	util.Info().Msg("shutdown complete")
}

func openMetadata(c *cfg.Cfg) (*db.Store, error) {
	o := db.Options{
		MaxOpenConns:  c.DBMaxOpenConns,
		MaxIdleConns:  c.DBMaxIdleConns,
		QueryTimeout:  c.DBQueryTimeout,
		MinLookupTime: db.DefaultMinLookupTime,
	}
	switch c.MetadataDriver {
	case "mysql":
		return db.NewMySQL(c.MySQLDSN.Value(), o)
	case "sqlite":
		return db.NewSQLite(c.DatabasePath, o)
	}
	return nil, errors.Errorf("unknown metadata driver %q", c.MetadataDriver)
}

// openCache returns the cache the engine uses and, when one is configured,
// the shared Redis tier so it can be probed and closed.
func openCache(ctx context.Context, c *cfg.Cfg) (cache.Cache, *db.Redis, error) {
	var local *cache.LRU
	if c.CacheBackend != "redis" {
		var err error
		local, err = cache.NewLRU(c.LRUCacheSize)
		if err != nil {
			return nil, nil, err
		}
		if c.CacheBackend == "lru" {
			return local, nil, nil
		}
	}
	rdb, err := db.NewRedis(ctx, c)
	if err != nil {
		if c.Environment == "production" {
			return nil, nil, errors.Wrap(err, "redis required in production")
		}
		if local == nil {
			return nil, nil, err
		}
		util.Warn().Err(err).Msg("redis unavailable, using process-local cache only")
		return local, nil, nil
	}
	util.Info().Msg("redis connected")
	if local == nil {
		return rdb, rdb, nil
	}
	return cache.NewTiered(local, rdb, 0), rdb, nil
}

func openBlobs(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) (blob.Store, func(), error) {
	codec, err := blob.ParseCodec(c.Blob.Compression)
	if err != nil {
		return nil, nil, err
	}
	var store blob.Store
	switch c.Blob.Backend {
	case "fs":
		store, err = blob.NewFS(c.Blob.Dir, codec)
		if err != nil {
			return nil, nil, err
		}
	case "s3":
		s3, err := blob.NewS3(ctx, blob.S3Options{
			Endpoint:  c.Blob.S3Endpoint,
			Region:    c.Blob.S3Region,
			Bucket:    c.Blob.S3Bucket,
			AccessKey: c.Blob.S3AccessKey,
			SecretKey: c.Blob.S3SecretKey.Value(),
			PathStyle: c.Blob.S3PathStyle,
			Timeout:   c.Blob.RequestTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "ensure bucket")
		}
		store = s3
	default:
		return nil, nil, errors.Errorf("unknown blob backend %q", c.Blob.Backend)
	}
	if !c.Blob.Encrypt {
		return store, func() {}, nil
	}
	keys := kms.NewKEKCache(adapter, c.KEKCacheTTL)
	return blob.NewSealed(store, keys), keys.Stop, nil
}

func probeHealth(port string) int {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%s/health", port))
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
