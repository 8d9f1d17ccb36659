package config

import (
	"go.uber.org/zap"

	"github.com/objectfs/vfs/internal/archive"
	"github.com/objectfs/vfs/internal/cloud"
	"github.com/objectfs/vfs/internal/ftp"
	"github.com/objectfs/vfs/internal/memory"
	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/internal/native"
	"github.com/objectfs/vfs/internal/sftp"
	"github.com/objectfs/vfs/internal/storage/s3"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Deps are the process-wide collaborators handed to every host.
type Deps struct {
	Logger      *zap.Logger
	Credentials vfs.CredentialProvider
	Metrics     *metrics.Collector
}

// NativeOptions converts the native section.
func (c *Configuration) NativeOptions(d Deps) native.Options {
	return native.Options{
		Logger:        d.Logger,
		WatchCoalesce: c.Native.WatchCoalesce,
		Preallocate:   c.Native.Preallocate,
	}
}

// MemoryOptions converts the memory section.
func (c *Configuration) MemoryOptions(d Deps) memory.Options {
	return memory.Options{Logger: d.Logger, Capacity: c.Memory.Capacity}
}

// FTPOptions converts the ftp and network sections.
func (c *Configuration) FTPOptions(d Deps) ftp.Options {
	return ftp.Options{
		Logger:      d.Logger,
		Credentials: d.Credentials,
		Metrics:     d.Metrics,
		PoolSize:    c.FTP.PoolSize,
		IdleTimeout: c.FTP.IdleTimeout,
		Timeout:     c.Network.Timeouts.Request,
		DisableEPSV: c.FTP.Passive == PassiveLegacy,
		Cache:       c.CacheConfig(),
		Retry:       c.RetryConfig(),
		Recovery:    c.RecoveryConfig(),
	}
}

// SFTPOptions converts the sftp and network sections. Without a known
// hosts file, server keys are accepted unverified.
func (c *Configuration) SFTPOptions(d Deps) sftp.Options {
	return sftp.Options{
		Logger:         d.Logger,
		Credentials:    d.Credentials,
		Metrics:        d.Metrics,
		Timeout:        c.Network.Timeouts.Connect,
		KnownHostsFile: c.SFTP.KnownHostsFile,
		Cache:          c.CacheConfig(),
		Retry:          c.RetryConfig(),
		Recovery:       c.RecoveryConfig(),
	}
}

// CloudOptions converts the cloud section.
func (c *Configuration) CloudOptions(d Deps) cloud.Options {
	return cloud.Options{
		Logger:          d.Logger,
		Credentials:     d.Credentials,
		Metrics:         d.Metrics,
		APIURL:          c.Cloud.APIURL,
		ContentURL:      c.Cloud.ContentURL,
		ChunkSize:       c.Cloud.ChunkSize,
		BufferHighWater: c.Cloud.BufferHighWater,
		Cache:           c.CacheConfig(),
		Retry:           c.RetryConfig(),
		Breaker:         c.BreakerConfig(),
	}
}

// S3Options converts the s3 and network sections.
func (c *Configuration) S3Options(d Deps) s3.Options {
	return s3.Options{
		Logger:               d.Logger,
		Credentials:          d.Credentials,
		Metrics:              d.Metrics,
		ForcePathStyle:       c.S3.ForcePathStyle,
		RequestTimeout:       c.Network.Timeouts.Request,
		StorageTier:          c.S3.StorageTier,
		TierConstraints:      c.S3.TierConstraints,
		MultipartThreshold:   c.S3.MultipartThreshold,
		MultipartChunkSize:   c.S3.MultipartChunkSize,
		MultipartConcurrency: c.S3.MultipartConcurrency,
		EnableCargoShip:      c.S3.EnableCargoShip,
		Cache:                c.CacheConfig(),
		Retry:                c.RetryConfig(),
		Breaker:              c.BreakerConfig(),
	}
}

// ArchiveOptions converts the archive section.
func (c *Configuration) ArchiveOptions(d Deps) archive.Options {
	return archive.Options{Logger: d.Logger, MaxSpool: c.Archive.MaxSpool}
}

// Register installs a factory for every backend on r.
func (c *Configuration) Register(r *vfs.Registry, d Deps) {
	r.Register(vfs.KindNative, native.Factory(c.NativeOptions(d)))
	r.Register(vfs.KindMemory, memory.Factory(c.MemoryOptions(d)))
	r.Register(vfs.KindFTP, ftp.Factory(c.FTPOptions(d)))
	r.Register(vfs.KindSFTP, sftp.Factory(c.SFTPOptions(d)))
	r.Register(vfs.KindCloud, cloud.Factory(c.CloudOptions(d)))
	r.Register(vfs.KindS3, s3.Factory(c.S3Options(d)))
	r.Register(vfs.KindArchive, archive.Factory(c.ArchiveOptions(d)))
}
