package s3

import (
	"context"
	stderrors "errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/vfs"
)

// API is the part of the S3 client a host uses. *s3.Client implements it.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)

	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ API = (*s3.Client)(nil)

// uploadFunc stores a whole object in one accelerated transfer.
type uploadFunc func(ctx context.Context, key string, body io.Reader, size int64, tier string) error

// newClient loads the AWS configuration and builds the SDK client. A
// credential with a user and password is used as an access key pair;
// otherwise the default AWS chain applies.
func newClient(ctx context.Context, cfg vfs.Configuration, opts Options, cred vfs.Credential) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		// Retries happen one level up, per host operation.
		config.WithRetryMaxAttempts(1),
	}
	if cred.User != "" && cred.Password != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.User, cred.Password, cred.Token)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.KindAuthenticationFailure, err, "failed to load AWS config").WithComponent(Tag)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// newTransporter wires the cargoship transporter as an uploadFunc.
func newTransporter(client *s3.Client, bucket string, opts Options, logger *zap.Logger) uploadFunc {
	t := cargoships3.NewTransporter(client, awsconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       ConvertTierToCargoShipStorageClass(opts.StorageTier),
		MultipartThreshold: opts.MultipartThreshold,
		MultipartChunkSize: opts.MultipartChunkSize,
		Concurrency:        opts.MultipartConcurrency,
	})
	return func(ctx context.Context, key string, body io.Reader, size int64, tier string) error {
		result, err := t.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       body,
			Size:         size,
			StorageClass: ConvertTierToCargoShipStorageClass(tier),
			Metadata: map[string]string{
				"content-type": detectContentType(key),
				"storage-tier": tier,
			},
		})
		if err != nil {
			return err
		}
		logger.Debug("Accelerated upload completed",
			zap.String("key", key), zap.Int64("size", size),
			zap.Any("throughput", result.Throughput), zap.Any("duration", result.Duration))
		return nil
	}
}

// translate maps SDK errors. Service errors carry an error code; transport
// failures do not.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.KindCancelled, err, "request cancelled").WithComponent(Tag)
	}

	status := 0
	var re *awshttp.ResponseError
	if stderrors.As(err, &re) {
		status = re.HTTPStatusCode()
	}
	var ae smithy.APIError
	if stderrors.As(err, &ae) {
		code := ae.ErrorCode()
		// HEAD responses have no body, so only the status is known.
		if code == "" && status == 404 {
			code = "NotFound"
		}
		return errors.FromS3Code(code, status, ae.ErrorMessage()).WithCause(err).WithComponent(Tag)
	}
	if status != 0 {
		return errors.FromHTTP(status, err.Error()).WithCause(err).WithComponent(Tag)
	}
	return errors.As(errors.FromNetwork(err)).WithComponent(Tag)
}

func detectContentType(key string) string {
	switch ext(key) {
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".html":
		return "text/html"
	case ".txt":
		return "text/plain"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}
