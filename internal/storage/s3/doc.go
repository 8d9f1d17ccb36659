/*
Package s3 implements hosts backed by an S3 bucket.

A bucket has no directories, only keys. The host presents the usual tree by
treating "/" in keys as the separator:

	/docs/readme.md   ->  key "docs/readme.md"
	/docs             ->  every key below "docs/", plus the marker "docs/"
	/                 ->  the whole bucket

A directory exists while any key lives below it. CreateDirectory writes an
empty marker object named after the prefix so that empty directories
survive; Remove deletes the marker once nothing else is left.

# Listings

Resolve issues ListObjectsV2 with the "/" delimiter and follows continuation
tokens. Common prefixes become directories, objects become files. When a key
"a" exists next to keys below "a/", the directory wins. Listings go through
the shared directory cache and are invalidated by the host's own writes.

# Reading

Files opened for reading stream one ranged GET and reuse it while reads are
sequential. A seek drops the stream and the next read opens a new range.
ReadAt issues a ranged GET of its own. Objects in the Glacier and Deep
Archive classes cannot be opened until they are restored.

# Writing

Objects are immutable, so only OpenWriteTruncate is supported; append and
read-write modes fail with KindNotSupported. Data is buffered and
stored when the file is closed:

  - objects up to the multipart threshold go up in one PutObject
  - larger ones switch to a multipart upload once the buffer passes the
    threshold; full parts are sent as they fill and the upload is completed
    on Close, or aborted on failure
  - with EnableCargoShip and an announced size above the threshold, data is
    piped into one cargoship transfer

The previous object stays in place until the new one is complete.

# Storage Tiers

New objects are written in Options.StorageTier:

	STANDARD             instant, no minimums
	STANDARD_IA          128 KiB minimum size, 30 day minimum storage
	ONEZONE_IA           128 KiB minimum size, 30 day minimum storage
	GLACIER_IR           128 KiB minimum size, 90 day minimum storage
	GLACIER              archived, 90 day minimum storage
	DEEP_ARCHIVE         archived, 180 day minimum storage
	INTELLIGENT_TIERING  128 KiB minimum for monitoring

Objects below the tier's minimum size are written as STANDARD. A deletion
embargo from TierConstraints rejects deletes of younger objects with
KindPermissionDenied.

# Errors

Service error codes map to kinds:

	NoSuchKey, NotFound, NoSuchBucket           KindNotFound
	AccessDenied                                KindPermissionDenied
	InvalidAccessKeyId, SignatureDoesNotMatch   KindAuthenticationFailure
	SlowDown, RequestTimeout, InternalError     KindNetworkFailure (retried)
	EntityTooLarge                              KindQuotaExceeded
	InvalidRange                                KindUnexpectedEOF

Everything else is KindIOFailure. The SDK's own retries are disabled; each
host operation is retried as a whole.

# Usage

	h, err := s3.New(vfs.Configuration{Bucket: "media", Region: "eu-west-1"}, s3.Options{
		Logger:      logger,
		Credentials: creds,
		StorageTier: s3.TierStandardIA,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	l, err := h.Resolve(ctx, "/photos")

Credentials are looked up under the account "s3:<bucket>"; a credential with
User and Password is used as an access key pair, otherwise the default AWS
chain applies. Set Configuration.Endpoint for S3-compatible services; it
implies path-style addressing.
*/
package s3
