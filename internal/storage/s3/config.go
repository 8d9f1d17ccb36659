package s3

import (
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/internal/cache"
	"github.com/objectfs/vfs/internal/circuit"
	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/pkg/retry"
	"github.com/objectfs/vfs/pkg/vfs"
)

// Options configures an S3 host.
type Options struct {
	Logger      *zap.Logger
	Credentials vfs.CredentialProvider
	Metrics     *metrics.Collector

	// Client replaces the SDK client built from the configuration.
	Client API

	// ForcePathStyle addresses buckets as endpoint/bucket. It is implied
	// when the configuration names an endpoint.
	ForcePathStyle bool

	// RequestTimeout bounds each request. Zero means 30s.
	RequestTimeout time.Duration

	// StorageTier is the class new objects are written with.
	StorageTier     string
	TierConstraints TierConstraints

	// Objects above MultipartThreshold are written in parts.
	MultipartThreshold   int64
	MultipartChunkSize   int64
	MultipartConcurrency int

	// EnableCargoShip routes large single-shot uploads through the
	// cargoship transporter. Ignored when Client is set.
	EnableCargoShip bool

	Cache cache.CacheConfig
	Retry *retry.Config
	// Breaker fails calls fast while the endpoint keeps failing. Nil
	// disables it.
	Breaker  *circuit.Config
	ReadOnly bool
}

// TierConstraints overrides the built-in limits of a storage tier.
type TierConstraints struct {
	MinObjectSize   int64         `yaml:"min_object_size"`
	DeletionEmbargo time.Duration `yaml:"deletion_embargo"`
}

const (
	defaultRegion             = "us-east-1"
	defaultMultipartThreshold = 32 * 1024 * 1024
	defaultMultipartChunkSize = 16 * 1024 * 1024

	// S3 rejects parts below 5 MiB except the last one.
	minPartSize = 5 * 1024 * 1024
	maxParts    = 10000
)

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:       30 * time.Second,
		StorageTier:          TierStandard,
		MultipartThreshold:   defaultMultipartThreshold,
		MultipartChunkSize:   defaultMultipartChunkSize,
		MultipartConcurrency: 8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.StorageTier == "" {
		o.StorageTier = d.StorageTier
	}
	if o.MultipartThreshold <= 0 {
		o.MultipartThreshold = d.MultipartThreshold
	}
	if o.MultipartChunkSize <= 0 {
		o.MultipartChunkSize = d.MultipartChunkSize
	}
	if o.MultipartConcurrency <= 0 {
		o.MultipartConcurrency = d.MultipartConcurrency
	}
	return o
}

// ShouldUseMultipart reports whether an object of size goes up in parts.
func (o Options) ShouldUseMultipart(size int64) bool {
	return size > o.MultipartThreshold
}

// CalculateOptimalChunkSize scales the part size with the object so that
// huge objects stay below the part limit.
func CalculateOptimalChunkSize(size, threshold, base int64) int64 {
	switch {
	case size <= threshold:
		return size
	case size < 100*1024*1024:
		return base / 2
	case size < 1024*1024*1024:
		return base
	case size < 10*1024*1024*1024:
		return base * 2
	case size < 100*1024*1024*1024:
		return base * 4
	}
	return base * 8
}

// CalculatePartCount returns the number of parts for size, or 0 when
// chunkSize is not positive.
func CalculatePartCount(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}
