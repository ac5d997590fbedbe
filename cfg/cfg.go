package cfg

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port           string
	Environment    string
	LogLevel       string
	ContextTimeout time.Duration
	AllowedOrigins []string
	TrustedProxies []string
	MetricsUser    string
	MetricsPass    Secret

	MetadataDriver string
	DatabasePath   string
	MySQLDSN       Secret
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration

	CacheBackend  string
	RedisURL      string
	RedisTLS      bool
	RedisUsername string
	RedisPassword Secret
	RedisTimeout  time.Duration
	LRUCacheSize  int

	Blob BlobCfg

	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8
	HasherWorkerCount int
	Pepper            Secret
	PepperFromKMS     bool
	KEKCacheTTL       time.Duration

	MaxPasteSize      int64
	ShortlinkMaxDraws int
	CreateMaxAttempts int

	RetentionInterval time.Duration
	RetentionBatch    int
}

type BlobCfg struct {
	Backend        string
	Dir            string
	Compression    string
	Encrypt        bool
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    Secret
	S3PathStyle    bool
	RequestTimeout time.Duration
}

// Load reads configuration from the environment. Files named in envFiles
// are loaded first and never override variables that are already set.
func Load(envFiles ...string) (*Cfg, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, errors.Wrap(err, "load env file")
		}
	} else {
		_ = godotenv.Load()
	}
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))

	c.MetadataDriver = strings.ToLower(getEnv("METADATA_DRIVER", "sqlite"))
	c.DatabasePath = getEnv("DATABASE_PATH", "snipbin.db")
	c.MySQLDSN = NewSecret(getEnv("MYSQL_DSN", ""))
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS", false)
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	defaultCache := "lru"
	if c.RedisURL != "" {
		defaultCache = "tiered"
	}
	c.CacheBackend = strings.ToLower(getEnv("CACHE_BACKEND", defaultCache))
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}

	c.Blob.Backend = strings.ToLower(getEnv("BLOB_BACKEND", "fs"))
	c.Blob.Dir = getEnv("BLOB_DIR", "blobs")
	c.Blob.Compression = strings.ToLower(getEnv("BLOB_COMPRESSION", "zstd"))
	c.Blob.Encrypt = getBool("BLOB_ENCRYPTION", false)
	c.Blob.S3Endpoint = getEnv("S3_ENDPOINT", "")
	c.Blob.S3Region = getEnv("S3_REGION", "us-east-1")
	c.Blob.S3Bucket = getEnv("S3_BUCKET", "pastes")
	c.Blob.S3AccessKey = getEnv("S3_ACCESS_KEY", "")
	c.Blob.S3SecretKey = NewSecret(getEnv("S3_SECRET_KEY", ""))
	c.Blob.S3PathStyle = getBool("S3_FORCE_PATH_STYLE", c.Blob.S3Endpoint != "")
	c.Blob.RequestTimeout, err = getDuration("BLOB_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	c.Argon2Time, err = getUint32("ARGON2_TIME", 3)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getBool("PEPPER_FROM_KMS", false)
	c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 3072)
	if err != nil {
		return nil, err
	}
	c.ShortlinkMaxDraws, err = getInt("SHORTLINK_MAX_DRAWS", 0)
	if err != nil {
		return nil, err
	}
	c.CreateMaxAttempts, err = getInt("CREATE_MAX_ATTEMPTS", 8)
	if err != nil {
		return nil, err
	}

	c.RetentionInterval, err = getDuration("RETENTION_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	c.RetentionBatch, err = getInt("RETENTION_BATCH", 100)
	if err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.ContextTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT must be positive")
	}

	switch c.MetadataDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required")
		}
		if err := withinWorkDir(c.DatabasePath); err != nil {
			return errors.Wrap(err, "DATABASE_PATH")
		}
	case "mysql":
		if c.MySQLDSN.Value() == "" {
			return errors.New("MYSQL_DSN is required when METADATA_DRIVER=mysql")
		}
	default:
		return fmt.Errorf("unknown METADATA_DRIVER %q (want sqlite or mysql)", c.MetadataDriver)
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}

	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	switch c.CacheBackend {
	case "lru":
	case "redis", "tiered":
		if c.RedisURL == "" {
			return fmt.Errorf("CACHE_BACKEND=%s requires REDIS_URL", c.CacheBackend)
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q (want redis, lru or tiered)", c.CacheBackend)
	}
	if c.CacheBackend != "redis" && c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}

	switch c.Blob.Backend {
	case "fs":
		if c.Blob.Dir == "" {
			return errors.New("BLOB_DIR is required when BLOB_BACKEND=fs")
		}
		switch c.Blob.Compression {
		case "none", "zstd", "lz4":
		default:
			return fmt.Errorf("unknown BLOB_COMPRESSION %q (want none, zstd or lz4)", c.Blob.Compression)
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return errors.New("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
		if c.Blob.S3Endpoint != "" {
			if _, err := url.ParseRequestURI(c.Blob.S3Endpoint); err != nil {
				return errors.Wrap(err, "invalid S3_ENDPOINT")
			}
		}
		if (c.Blob.S3AccessKey == "") != (c.Blob.S3SecretKey.Value() == "") {
			return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q (want s3 or fs)", c.Blob.Backend)
	}

	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if !c.PepperFromKMS && len(c.Pepper.Value()) < 32 {
		return errors.New("PEPPER must be at least 32 bytes when PEPPER_FROM_KMS=false")
	}
	if c.KEKCacheTTL < 1*time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > 1*time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour")
	}

	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.ShortlinkMaxDraws < 0 || c.CreateMaxAttempts < 0 {
		return errors.New("SHORTLINK_MAX_DRAWS and CREATE_MAX_ATTEMPTS must be >= 0")
	}
	if c.RetentionInterval < 0 {
		return errors.New("RETENTION_INTERVAL must be >= 0")
	}
	if c.RetentionInterval > 0 && c.RetentionInterval < time.Minute {
		return errors.New("RETENTION_INTERVAL must be at least 1m when enabled")
	}
	if c.RetentionBatch <= 0 {
		return errors.New("RETENTION_BATCH must be positive")
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.CacheBackend == "lru" {
			return errors.New("a shared cache (REDIS_URL) is required in production")
		}
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.MySQLDSN.Wipe()
	c.Blob.S3SecretKey.Wipe()
}
func withinWorkDir(path string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("must be within working directory %s", absWorkDir)
	}
	return nil
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string, fallback bool) bool {
	s := strings.ToLower(getEnv(key, ""))
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
