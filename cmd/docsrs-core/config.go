package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// daemonConfig is the abridged environment-variable table spec.md documents.
// Plain os.Getenv plus small typed helpers, not a config-binding library:
// none of the pack's directly comparable repos (cuemby-warren, or any other
// example wiring cobra) pull one in, so this follows the corpus rather than
// reaching for an unexercised dependency.
type daemonConfig struct {
	Prefix string
	DSN    string

	MaxPoolSize int
	MinPoolIdle int

	// ToolchainImage is not in spec.md's abridged table but is required to
	// wire pkg/sandbox: the pinned container image the sandbox builds
	// releases inside (spec.md §4.L / §4.C's "toolchain" config key
	// describes the toolchain version recorded after install, not the
	// image reference used to run it).
	ToolchainImage string

	BuildAttempts                          int32
	DelayBetweenBuildAttempts              time.Duration
	BuildWorkspaceReinitializationInterval time.Duration
	IncludeDefaultTargets                  bool
	BuildDefaultMemoryLimit                int64

	MaxQueuedRebuilds int // 0 means unset/disabled

	StorageBackend string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string

	ArchiveIndexCachePath      string
	ArchiveIndexExpectedCount int
	MaxFileSize               int64
	MaxFileSizeHTML           int64

	CacheInvalidatableResponses bool

	FastlyAPIHost             string
	FastlyAPIToken            string
	FastlyServiceIDs          []string
	CDNInvalidationBaseURL    string
	CDNRequestsPerSecond      float64
	CDNRequestBurst           int
	CDNDistributionWebID      string
	CDNDistributionStaticID   string

	RegistryIndexPath string
	RegistryURL       string

	DelayBetweenRegistryFetches time.Duration
	RegistryGCInterval          time.Duration
}

func loadDaemonConfig() (daemonConfig, error) {
	cfg := daemonConfig{
		MaxPoolSize:                            envInt("MAX_POOL_SIZE", 90),
		MinPoolIdle:                            envInt("MIN_POOL_IDLE", 10),
		ToolchainImage:                         os.Getenv("TOOLCHAIN_IMAGE"),
		BuildAttempts:                          int32(envInt("BUILD_ATTEMPTS", 5)),
		DelayBetweenBuildAttempts:              envSeconds("DELAY_BETWEEN_BUILD_ATTEMPTS", 60),
		BuildWorkspaceReinitializationInterval: envSeconds("BUILD_WORKSPACE_REINITIALIZATION_INTERVAL", 86400),
		IncludeDefaultTargets:                  envBool("INCLUDE_DEFAULT_TARGETS", true),
		BuildDefaultMemoryLimit:                envInt64("BUILD_DEFAULT_MEMORY_LIMIT", 3<<30),
		MaxQueuedRebuilds:                      envInt("MAX_QUEUED_REBUILDS", 0),
		StorageBackend:                         envString("STORAGE_BACKEND", "s3"),
		S3Bucket:                               os.Getenv("S3_BUCKET"),
		S3Region:                               os.Getenv("S3_REGION"),
		S3Endpoint:                             os.Getenv("S3_ENDPOINT"),
		ArchiveIndexExpectedCount:               envInt("ARCHIVE_INDEX_EXPECTED_COUNT", 100_000),
		MaxFileSize:                            envInt64("MAX_FILE_SIZE", 50<<20),
		MaxFileSizeHTML:                         envInt64("MAX_FILE_SIZE_HTML", 50<<20),
		CacheInvalidatableResponses:             envBool("CACHE_INVALIDATABLE_RESPONSES", true),
		FastlyAPIHost:                           envString("CDN_FASTLY_API_HOST", "https://api.fastly.com"),
		FastlyAPIToken:                          os.Getenv("CDN_FASTLY_API_TOKEN"),
		FastlyServiceIDs:                        envStringList("CDN_FASTLY_SERVICE_IDS"),
		CDNInvalidationBaseURL:                  os.Getenv("CDN_INVALIDATION_BASE_URL"),
		CDNRequestsPerSecond:                    envFloat("CDN_REQUESTS_PER_SECOND", 10),
		CDNRequestBurst:                         envInt("CDN_REQUEST_BURST", 20),
		CDNDistributionWebID:                    os.Getenv("CDN_DISTRIBUTION_WEB_ID"),
		CDNDistributionStaticID:                 os.Getenv("CDN_DISTRIBUTION_STATIC_ID"),
		RegistryIndexPath:                       os.Getenv("REGISTRY_INDEX_PATH"),
		RegistryURL:                             os.Getenv("REGISTRY_URL"),
		DelayBetweenRegistryFetches:             envSeconds("DELAY_BETWEEN_REGISTRY_FETCHES", 60),
		RegistryGCInterval:                      envSeconds("REGISTRY_GC_INTERVAL", 3600),
	}

	cfg.Prefix = os.Getenv("PREFIX")
	if cfg.Prefix == "" {
		return cfg, fmt.Errorf("PREFIX is required")
	}
	cfg.DSN = os.Getenv("DATABASE_URL")
	if cfg.DSN == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.ArchiveIndexCachePath = envString("ARCHIVE_INDEX_CACHE_PATH", filepath.Join(cfg.Prefix, "archive_cache"))

	if cfg.StorageBackend != "memory" && cfg.StorageBackend != "s3" {
		return cfg, fmt.Errorf("STORAGE_BACKEND must be memory or s3, got %q", cfg.StorageBackend)
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envStringList splits a comma-separated environment variable into its
// non-empty, trimmed elements, e.g. CDN_FASTLY_SERVICE_IDS=abc123,def456.
func envStringList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
