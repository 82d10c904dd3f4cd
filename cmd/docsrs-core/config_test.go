package main

import (
	"os"
	"testing"
	"time"
)

func clearDaemonConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PREFIX", "DATABASE_URL", "MAX_POOL_SIZE", "MIN_POOL_IDLE", "TOOLCHAIN_IMAGE",
		"BUILD_ATTEMPTS", "DELAY_BETWEEN_BUILD_ATTEMPTS", "BUILD_WORKSPACE_REINITIALIZATION_INTERVAL",
		"INCLUDE_DEFAULT_TARGETS", "BUILD_DEFAULT_MEMORY_LIMIT", "MAX_QUEUED_REBUILDS",
		"STORAGE_BACKEND", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "ARCHIVE_INDEX_CACHE_PATH",
		"ARCHIVE_INDEX_EXPECTED_COUNT", "MAX_FILE_SIZE", "MAX_FILE_SIZE_HTML",
		"CACHE_INVALIDATABLE_RESPONSES", "REGISTRY_INDEX_PATH", "REGISTRY_URL",
		"DELAY_BETWEEN_REGISTRY_FETCHES", "REGISTRY_GC_INTERVAL",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDaemonConfigRequiresPrefixAndDatabaseURL(t *testing.T) {
	clearDaemonConfigEnv(t)

	if _, err := loadDaemonConfig(); err == nil {
		t.Fatal("expected error when PREFIX and DATABASE_URL are unset")
	}

	os.Setenv("PREFIX", "/var/lib/docsrs-core")
	defer os.Unsetenv("PREFIX")
	if _, err := loadDaemonConfig(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoadDaemonConfigDefaults(t *testing.T) {
	clearDaemonConfigEnv(t)
	os.Setenv("PREFIX", "/var/lib/docsrs-core")
	os.Setenv("DATABASE_URL", "postgres://localhost/docsrs")
	defer clearDaemonConfigEnv(t)

	cfg, err := loadDaemonConfig()
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg.StorageBackend != "s3" {
		t.Errorf("default StorageBackend = %q, want s3", cfg.StorageBackend)
	}
	if cfg.ArchiveIndexCachePath != "/var/lib/docsrs-core/archive_cache" {
		t.Errorf("default ArchiveIndexCachePath = %q", cfg.ArchiveIndexCachePath)
	}
	if cfg.DelayBetweenBuildAttempts != 60*time.Second {
		t.Errorf("default DelayBetweenBuildAttempts = %v, want 60s", cfg.DelayBetweenBuildAttempts)
	}
	if !cfg.IncludeDefaultTargets {
		t.Error("default IncludeDefaultTargets should be true")
	}
	if cfg.MaxQueuedRebuilds != 0 {
		t.Errorf("default MaxQueuedRebuilds = %d, want 0 (unset)", cfg.MaxQueuedRebuilds)
	}
}

func TestLoadDaemonConfigRejectsUnknownStorageBackend(t *testing.T) {
	clearDaemonConfigEnv(t)
	os.Setenv("PREFIX", "/var/lib/docsrs-core")
	os.Setenv("DATABASE_URL", "postgres://localhost/docsrs")
	os.Setenv("STORAGE_BACKEND", "azure")
	defer clearDaemonConfigEnv(t)

	if _, err := loadDaemonConfig(); err == nil {
		t.Fatal("expected error for unsupported STORAGE_BACKEND")
	}
}

func TestLoadDaemonConfigHonorsOverrides(t *testing.T) {
	clearDaemonConfigEnv(t)
	os.Setenv("PREFIX", "/var/lib/docsrs-core")
	os.Setenv("DATABASE_URL", "postgres://localhost/docsrs")
	os.Setenv("STORAGE_BACKEND", "memory")
	os.Setenv("MAX_QUEUED_REBUILDS", "250")
	os.Setenv("REGISTRY_URL", "https://github.com/rust-lang/crates.io-index")
	defer clearDaemonConfigEnv(t)

	cfg, err := loadDaemonConfig()
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg.StorageBackend != "memory" {
		t.Errorf("StorageBackend = %q, want memory", cfg.StorageBackend)
	}
	if cfg.MaxQueuedRebuilds != 250 {
		t.Errorf("MaxQueuedRebuilds = %d, want 250", cfg.MaxQueuedRebuilds)
	}
	if cfg.RegistryURL != "https://github.com/rust-lang/crates.io-index" {
		t.Errorf("RegistryURL = %q", cfg.RegistryURL)
	}
}
