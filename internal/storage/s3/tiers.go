package s3

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/scttfrdmn/cargoship/pkg/aws/config"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
)

// S3 Storage Tier Constants
const (
	TierStandard          = "STANDARD"
	TierStandardIA        = "STANDARD_IA"
	TierOneZoneIA         = "ONEZONE_IA"
	TierReducedRedundancy = "REDUCED_REDUNDANCY"
	TierGlacierIR         = "GLACIER_IR"
	TierGlacier           = "GLACIER"
	TierDeepArchive       = "DEEP_ARCHIVE"
	TierIntelligent       = "INTELLIGENT_TIERING"
)

// StorageTierInfo holds the AWS constraints of a tier.
type StorageTierInfo struct {
	Name               string        `json:"name"`
	MinObjectSize      int64         `json:"min_object_size"`
	DeletionEmbargo    time.Duration `json:"deletion_embargo"`
	RetrievalLatency   string        `json:"retrieval_latency"`
	MinimumStorageDays int           `json:"minimum_storage_days"`
	// Archived objects need a restore before they can be read
	Archived bool `json:"archived"`
}

// StorageTiers lists every supported tier.
var StorageTiers = map[string]StorageTierInfo{
	TierStandard: {
		Name:             "Standard",
		RetrievalLatency: "instant",
	},
	TierStandardIA: {
		Name:               "Standard-Infrequent Access",
		MinObjectSize:      128 * 1024,
		DeletionEmbargo:    30 * 24 * time.Hour,
		RetrievalLatency:   "instant",
		MinimumStorageDays: 30,
	},
	TierOneZoneIA: {
		Name:               "One Zone-Infrequent Access",
		MinObjectSize:      128 * 1024,
		DeletionEmbargo:    30 * 24 * time.Hour,
		RetrievalLatency:   "instant",
		MinimumStorageDays: 30,
	},
	TierReducedRedundancy: {
		Name:             "Reduced Redundancy",
		RetrievalLatency: "instant",
	},
	TierGlacierIR: {
		Name:               "Glacier Instant Retrieval",
		MinObjectSize:      128 * 1024,
		DeletionEmbargo:    90 * 24 * time.Hour,
		RetrievalLatency:   "instant",
		MinimumStorageDays: 90,
	},
	TierGlacier: {
		Name:               "Glacier Flexible Retrieval",
		MinObjectSize:      40 * 1024,
		DeletionEmbargo:    90 * 24 * time.Hour,
		RetrievalLatency:   "minutes-hours",
		MinimumStorageDays: 90,
		Archived:           true,
	},
	TierDeepArchive: {
		Name:               "Glacier Deep Archive",
		MinObjectSize:      40 * 1024,
		DeletionEmbargo:    180 * 24 * time.Hour,
		RetrievalLatency:   "hours",
		MinimumStorageDays: 180,
		Archived:           true,
	},
	TierIntelligent: {
		Name:             "Intelligent Tiering",
		MinObjectSize:    128 * 1024,
		RetrievalLatency: "variable",
	},
}

// TierValidator applies the constraints of the configured tier to writes
// and deletes.
type TierValidator struct {
	tier        string
	constraints TierConstraints
	info        StorageTierInfo
	logger      *zap.Logger
}

// NewTierValidator returns a validator for tier. Unknown tiers fall back to
// Standard.
func NewTierValidator(tier string, constraints TierConstraints, logger *zap.Logger) *TierValidator {
	info, ok := StorageTiers[tier]
	if !ok {
		logging.OrNop(logger).Warn("Unknown storage tier, using STANDARD", zap.String("tier", tier))
		tier, info = TierStandard, StorageTiers[TierStandard]
	}
	return &TierValidator{tier: tier, constraints: constraints, info: info, logger: logging.OrNop(logger)}
}

// Tier returns the configured tier.
func (tv *TierValidator) Tier() string { return tv.tier }

// Info returns the constraints of the configured tier.
func (tv *TierValidator) Info() StorageTierInfo { return tv.info }

// TierFor picks the tier an object of size is written with. Objects below
// the tier minimum would be billed at the minimum and go to Standard.
func (tv *TierValidator) TierFor(key string, size int64) string {
	minSize := tv.info.MinObjectSize
	if tv.constraints.MinObjectSize > 0 {
		minSize = tv.constraints.MinObjectSize
	}
	if size < minSize {
		tv.logger.Debug("Object below tier minimum, writing as STANDARD",
			zap.String("key", key), zap.Int64("size", size), zap.String("tier", tv.tier))
		return TierStandard
	}
	return tv.tier
}

// ValidateDelete rejects deletes inside a configured embargo. The tier's own
// minimum storage period only produces a warning, since the charge applies
// either way.
func (tv *TierValidator) ValidateDelete(key string, age time.Duration) error {
	if embargo := tv.constraints.DeletionEmbargo; embargo > 0 && age < embargo {
		return errors.Newf(errors.KindPermissionDenied, "object is under a deletion embargo for another %v",
			(embargo - age).Round(time.Second)).WithPath(key).WithComponent(Tag)
	}
	if days := tv.info.MinimumStorageDays; days > 0 && age < time.Duration(days)*24*time.Hour {
		tv.logger.Warn("Deleting object before the minimum storage period",
			zap.String("key", key), zap.Duration("age", age), zap.Int("minimum_days", days))
	}
	return nil
}

// ConvertTierToStorageClass converts a tier constant to the SDK storage class.
func ConvertTierToStorageClass(tier string) types.StorageClass {
	switch tier {
	case TierStandardIA:
		return types.StorageClassStandardIa
	case TierOneZoneIA:
		return types.StorageClassOnezoneIa
	case TierReducedRedundancy:
		return types.StorageClassReducedRedundancy
	case TierGlacierIR:
		return types.StorageClassGlacierIr
	case TierGlacier:
		return types.StorageClassGlacier
	case TierDeepArchive:
		return types.StorageClassDeepArchive
	case TierIntelligent:
		return types.StorageClassIntelligentTiering
	}
	return types.StorageClassStandard
}

// ConvertTierToCargoShipStorageClass converts a tier constant to the
// cargoship storage class.
func ConvertTierToCargoShipStorageClass(tier string) config.StorageClass {
	switch tier {
	case TierStandardIA:
		return config.StorageClassStandardIA
	case TierOneZoneIA:
		return config.StorageClassOneZoneIA
	case TierGlacierIR, TierGlacier:
		// cargoship has no instant-retrieval class
		return config.StorageClassGlacier
	case TierDeepArchive:
		return config.StorageClassDeepArchive
	case TierIntelligent:
		return config.StorageClassIntelligentTiering
	}
	return config.StorageClassStandard
}

// archivedClass reports whether objects of class need a restore.
func archivedClass(class string) bool {
	info, ok := StorageTiers[class]
	return ok && info.Archived
}
