package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testPepper = "0123456789abcdef0123456789abcdef"

func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"REDIS_URL", "CACHE_BACKEND", "METADATA_DRIVER", "BLOB_BACKEND", "BLOB_COMPRESSION",
		"ENVIRONMENT", "MAX_PASTE_SIZE", "RETENTION_INTERVAL", "S3_ENDPOINT", "S3_FORCE_PATH_STYLE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("PEPPER", testPepper)
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MetadataDriver != "sqlite" || c.CacheBackend != "lru" || c.Blob.Backend != "fs" {
		t.Fatalf("unexpected backends: %s %s %s", c.MetadataDriver, c.CacheBackend, c.Blob.Backend)
	}
	if c.MaxPasteSize != 3072 || c.CreateMaxAttempts != 8 || c.ShortlinkMaxDraws != 0 {
		t.Fatalf("unexpected limits: %+v", c)
	}
	if c.RetentionInterval != 0 {
		t.Fatal("reaper should be off by default")
	}
	if err := Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRedisURLSelectsTieredCache(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.CacheBackend != "tiered" {
		t.Fatalf("cache backend = %q", c.CacheBackend)
	}
}

func TestS3EndpointImpliesPathStyle(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BLOB_BACKEND", "S3")
	t.Setenv("S3_ENDPOINT", "http://minio:9000")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Blob.Backend != "s3" || !c.Blob.S3PathStyle {
		t.Fatalf("blob cfg = %+v", c.Blob)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CREATE_MAX_ATTEMPTS", "")
	os.Unsetenv("CREATE_MAX_ATTEMPTS")
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CREATE_MAX_ATTEMPTS=3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("CREATE_MAX_ATTEMPTS") })
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.CreateMaxAttempts != 3 {
		t.Fatalf("CreateMaxAttempts = %d", c.CreateMaxAttempts)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("missing env file should fail")
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CONTEXT_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestValidate(t *testing.T) {
	setBaseEnv(t)
	base, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name   string
		mutate func(c *Cfg)
		want   string
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }, "PORT"},
		{"unknown driver", func(c *Cfg) { c.MetadataDriver = "postgres" }, "METADATA_DRIVER"},
		{"mysql without dsn", func(c *Cfg) { c.MetadataDriver = "mysql" }, "MYSQL_DSN"},
		{"db outside workdir", func(c *Cfg) { c.DatabasePath = "/tmp/../etc/snipbin.db" }, "DATABASE_PATH"},
		{"redis cache without url", func(c *Cfg) { c.CacheBackend = "redis" }, "REDIS_URL"},
		{"rediss without tls", func(c *Cfg) { c.RedisURL = "rediss://cache:6380" }, "REDIS_TLS"},
		{"bad compression", func(c *Cfg) { c.Blob.Compression = "brotli" }, "BLOB_COMPRESSION"},
		{"half s3 credentials", func(c *Cfg) { c.Blob.Backend = "s3"; c.Blob.S3AccessKey = "ak" }, "S3_SECRET_KEY"},
		{"short pepper", func(c *Cfg) { c.Pepper = NewSecret("short") }, "PEPPER"},
		{"huge paste", func(c *Cfg) { c.MaxPasteSize = 11 * 1024 * 1024 }, "MAX_PASTE_SIZE"},
		{"negative attempts", func(c *Cfg) { c.CreateMaxAttempts = -1 }, "CREATE_MAX_ATTEMPTS"},
		{"reaper too eager", func(c *Cfg) { c.RetentionInterval = time.Second }, "RETENTION_INTERVAL"},
		{"production without metrics auth", func(c *Cfg) { c.Environment = "production" }, "METRICS_USER"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			err := Validate(&c)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want error mentioning %s", err, tc.want)
			}
		})
	}
}

func TestSecret(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() == "hunter2" {
		t.Fatal("secret printed in clear")
	}
	s.Wipe()
	if strings.Trim(s.Value(), "\x00") != "" {
		t.Fatal("secret not wiped")
	}
}
