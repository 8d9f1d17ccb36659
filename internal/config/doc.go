/*
Package config loads the settings of the vfs tools and converts them into the
option structs of each backend.

# Sources

Settings are layered, later sources overriding earlier ones:

	┌─────────────────────────────┐
	│   Environment (VFS_*)       │ ← Highest Priority
	└─────────────────────────────┘
	              │
	┌─────────────────────────────┐
	│   YAML configuration file   │
	└─────────────────────────────┘
	              │
	┌─────────────────────────────┐
	│   NewDefault()              │ ← Lowest Priority
	└─────────────────────────────┘

A malformed environment value is an error; it is never silently ignored.

# Sections

	logging:    level, format (json|console), output
	cache:      ttl, max_entries, cleanup_interval
	network:    timeouts {connect, request}, retry, reconnect, circuit_breaker
	native:     watch_coalesce, preallocate
	memory:     capacity
	ftp:        pool_size, idle_timeout, passive (extended|legacy)
	sftp:       known_hosts_file
	cloud:      api_url, content_url, chunk_size, buffer_high_water
	s3:         storage_tier, tier_constraints, multipart_*, force_path_style, enable_cargoship
	archive:    max_spool
	metrics:    enabled, port, path, namespace, labels
	bookmarks:  path

# Environment

	VFS_LOG_LEVEL, VFS_LOG_FORMAT, VFS_LOG_OUTPUT
	VFS_CACHE_TTL, VFS_CACHE_MAX_ENTRIES
	VFS_CONNECT_TIMEOUT, VFS_REQUEST_TIMEOUT
	VFS_RETRY_MAX_ATTEMPTS, VFS_RETRY_BASE_DELAY, VFS_RETRY_MAX_DELAY
	VFS_BREAKER_ENABLED, VFS_BREAKER_FAILURE_THRESHOLD, VFS_BREAKER_TIMEOUT
	VFS_NATIVE_WATCH_COALESCE, VFS_NATIVE_PREALLOCATE
	VFS_FTP_POOL_SIZE, VFS_FTP_IDLE_TIMEOUT, VFS_FTP_PASSIVE
	VFS_SFTP_KNOWN_HOSTS
	VFS_CLOUD_API_URL, VFS_CLOUD_CONTENT_URL, VFS_CLOUD_CHUNK_SIZE
	VFS_S3_STORAGE_TIER, VFS_S3_MULTIPART_THRESHOLD, VFS_S3_MULTIPART_CHUNK_SIZE
	VFS_S3_FORCE_PATH_STYLE, VFS_S3_ENABLE_CARGOSHIP
	VFS_METRICS_ENABLED, VFS_METRICS_PORT
	VFS_BOOKMARKS

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil && !os.IsNotExist(errors.Unwrap(err)) {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	registry := vfs.NewRegistry(logger)
	cfg.Register(registry, config.Deps{Logger: logger, Credentials: creds, Metrics: collector})

SaveToFile writes the file with mode 0600 and creates missing directories
with mode 0750. Secrets never appear in the configuration; they come from a
vfs.CredentialProvider.
*/
package config
