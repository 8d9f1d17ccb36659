package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeObject struct {
	data     []byte
	modified time.Time
	class    types.StorageClass
	restore  *string
}

type fakeUpload struct {
	key   string
	class types.StorageClass
	parts map[int32][]byte
}

// fakeS3 is an in-memory bucket speaking the API interface.
type fakeS3 struct {
	bucket   string
	pageSize int

	mu      sync.Mutex
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload
	nextID  int
	calls   map[string]int
	fail    map[string][]error
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{
		bucket:   bucket,
		pageSize: 1000,
		objects:  make(map[string]*fakeObject),
		uploads:  make(map[string]*fakeUpload),
		calls:    make(map[string]int),
		fail:     make(map[string][]error),
	}
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// put stores an object directly.
func (f *fakeS3) put(key, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &fakeObject{data: []byte(content), modified: time.Now()}
}

func (f *fakeS3) object(key string) (*fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	return o, ok
}

// failNext makes the next calls of op return errs in order.
func (f *fakeS3) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], errs...)
}

func (f *fakeS3) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) pendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// enter records a call and returns an injected error, if any. The lock
// stays held on success.
func (f *fakeS3) enter(op, bucket string) error {
	f.mu.Lock()
	f.calls[op]++
	if q := f.fail[op]; len(q) > 0 {
		f.fail[op] = q[1:]
		f.mu.Unlock()
		return q[0]
	}
	if bucket != f.bucket {
		f.mu.Unlock()
		return apiError("NoSuchBucket")
	}
	return nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := f.enter("HeadBucket", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := f.enter("HeadObject", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, apiError("NotFound")
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		LastModified:  aws.Time(o.modified),
		StorageClass:  o.class,
		Restore:       o.restore,
	}, nil
}

func parseRange(rng string, size int) (int, int, error) {
	bounds := strings.TrimPrefix(rng, "bytes=")
	from, to, _ := strings.Cut(bounds, "-")
	start, err := strconv.Atoi(from)
	if err != nil || start >= size {
		return 0, 0, apiError("InvalidRange")
	}
	end := size - 1
	if to != "" {
		if end, err = strconv.Atoi(to); err != nil {
			return 0, 0, apiError("InvalidRange")
		}
		end = min(end, size-1)
	}
	return start, end + 1, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := f.enter("GetObject", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, apiError("NoSuchKey")
	}
	data := o.data
	if in.Range != nil {
		start, end, err := parseRange(*in.Range, len(data))
		if err != nil {
			return nil, err
		}
		data = data[start:end]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(data))),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.enter("PutObject", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = &fakeObject{data: data, modified: time.Now(), class: in.StorageClass}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if err := f.enter("CopyObject", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	src, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	o, ok := f.objects[strings.TrimPrefix(src, f.bucket+"/")]
	if !ok {
		return nil, apiError("NoSuchKey")
	}
	c := *o
	c.data = bytes.Clone(o.data)
	if in.StorageClass != "" {
		c.class = in.StorageClass
	}
	f.objects[aws.ToString(in.Key)] = &c
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := f.enter("DeleteObject", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := f.enter("ListObjectsV2", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	prefix, delim := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)
	// items are keys, or common prefixes ending in the delimiter
	seen := make(map[string]bool)
	var items []string
	for key := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		item := key
		if delim != "" {
			if i := strings.Index(key[len(prefix):], delim); i >= 0 {
				item = key[:len(prefix)+i+len(delim)]
			}
		}
		if !seen[item] {
			seen[item] = true
			items = append(items, item)
		}
	}
	sort.Strings(items)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = sort.SearchStrings(items, tok) + 1
	}
	limit := f.pageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	n := 0
	for i := start; i < len(items) && n < limit; i++ {
		item := items[i]
		if o, ok := f.objects[item]; ok && (delim == "" || !strings.HasSuffix(item, delim) || item == prefix) {
			out.Contents = append(out.Contents, types.Object{
				Key:          aws.String(item),
				Size:         aws.Int64(int64(len(o.data))),
				LastModified: aws.Time(o.modified),
				StorageClass: types.ObjectStorageClass(o.class),
			})
		} else {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(item)})
		}
		n++
		if n == limit && i+1 < len(items) {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(item)
		}
	}
	out.KeyCount = aws.Int32(int32(n))
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if err := f.enter("CreateMultipartUpload", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: aws.ToString(in.Key), class: in.StorageClass, parts: make(map[int32][]byte)}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if err := f.enter("UploadPart", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, apiError("NoSuchUpload")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	n := aws.ToInt32(in.PartNumber)
	u.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if err := f.enter("CompleteMultipartUpload", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, apiError("NoSuchUpload")
	}
	var data []byte
	last := int32(0)
	for _, p := range in.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		part, ok := u.parts[n]
		if !ok || n <= last || aws.ToString(p.ETag) != fmt.Sprintf("etag-%d", n) {
			return nil, apiError("InvalidPart")
		}
		last = n
		data = append(data, part...)
	}
	f.objects[u.key] = &fakeObject{data: data, modified: time.Now(), class: u.class}
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if err := f.enter("AbortMultipartUpload", aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, apiError("NoSuchUpload")
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

var _ API = (*fakeS3)(nil)
