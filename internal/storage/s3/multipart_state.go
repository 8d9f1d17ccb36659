package s3

import (
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// UploadPart represents a single part of a multipart upload
type UploadPart struct {
	PartNumber   int32     `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	Completed    bool      `json:"completed"`
	LastModified time.Time `json:"last_modified"`
	Offset       int64     `json:"offset"`
	RetryCount   int       `json:"retry_count"`
	Error        string    `json:"error,omitempty"`
}

// MultipartUploadStatus represents the status of a multipart upload
type MultipartUploadStatus string

const (
	UploadStatusInitiated  MultipartUploadStatus = "initiated"
	UploadStatusInProgress MultipartUploadStatus = "in_progress"
	UploadStatusCompleted  MultipartUploadStatus = "completed"
	UploadStatusFailed     MultipartUploadStatus = "failed"
	UploadStatusAborted    MultipartUploadStatus = "aborted"
)

// IsCompleted returns true if the upload is in a terminal state
func (s MultipartUploadStatus) IsCompleted() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed || s == UploadStatusAborted
}

// MultipartUploadState tracks one multipart upload. Objects are streamed,
// so the total size is only known once the last part is sent.
type MultipartUploadState struct {
	UploadID      string                `json:"upload_id"`
	Bucket        string                `json:"bucket"`
	Key           string                `json:"key"`
	ChunkSize     int64                 `json:"chunk_size"`
	Parts         map[int32]*UploadPart `json:"parts"`
	StartedAt     time.Time             `json:"started_at"`
	LastUpdatedAt time.Time             `json:"last_updated_at"`
	BytesUploaded int64                 `json:"bytes_uploaded"`
	Status        MultipartUploadStatus `json:"status"`
}

// NewMultipartUploadState creates a new multipart upload state tracker
func NewMultipartUploadState(uploadID, bucket, key string, chunkSize int64) *MultipartUploadState {
	now := time.Now()
	return &MultipartUploadState{
		UploadID:      uploadID,
		Bucket:        bucket,
		Key:           key,
		ChunkSize:     chunkSize,
		Parts:         make(map[int32]*UploadPart),
		StartedAt:     now,
		LastUpdatedAt: now,
		Status:        UploadStatusInitiated,
	}
}

func (s *MultipartUploadState) part(n int32) *UploadPart {
	p := s.Parts[n]
	if p == nil {
		p = &UploadPart{PartNumber: n}
		s.Parts[n] = p
	}
	return p
}

// MarkPartCompleted marks a part as successfully uploaded
func (s *MultipartUploadState) MarkPartCompleted(n int32, offset, size int64, etag string) {
	p := s.part(n)
	if !p.Completed {
		s.BytesUploaded += size
	}
	p.Offset, p.Size, p.ETag = offset, size, etag
	p.Completed = true
	p.LastModified = time.Now()
	p.Error = ""
	s.LastUpdatedAt = p.LastModified
	s.Status = UploadStatusInProgress
}

// MarkPartFailed marks a part as failed
func (s *MultipartUploadState) MarkPartFailed(n int32, err error) {
	p := s.part(n)
	p.Completed = false
	p.RetryCount++
	p.LastModified = time.Now()
	p.Error = err.Error()
	s.LastUpdatedAt = p.LastModified
}

// CompletedCount returns the number of uploaded parts.
func (s *MultipartUploadState) CompletedCount() int {
	n := 0
	for _, p := range s.Parts {
		if p.Completed {
			n++
		}
	}
	return n
}

// CompletedParts returns the uploaded parts in part order, as
// CompleteMultipartUpload wants them.
func (s *MultipartUploadState) CompletedParts() []types.CompletedPart {
	parts := make([]types.CompletedPart, 0, len(s.Parts))
	for _, p := range s.Parts {
		if p.Completed {
			parts = append(parts, types.CompletedPart{
				PartNumber: aws.Int32(p.PartNumber),
				ETag:       aws.String(p.ETag),
			})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return *parts[i].PartNumber < *parts[j].PartNumber })
	return parts
}

// MultipartStateManager indexes the uploads of a host by upload ID.
type MultipartStateManager struct {
	mu      sync.RWMutex
	uploads map[string]*MultipartUploadState
}

// NewMultipartStateManager creates a new multipart state manager
func NewMultipartStateManager() *MultipartStateManager {
	return &MultipartStateManager{uploads: make(map[string]*MultipartUploadState)}
}

// TrackUpload starts tracking a new multipart upload
func (m *MultipartStateManager) TrackUpload(state *MultipartUploadState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[state.UploadID] = state
}

// Update runs fn on the state of uploadID under the manager lock.
func (m *MultipartStateManager) Update(uploadID string, fn func(s *MultipartUploadState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.uploads[uploadID]; ok {
		fn(s)
	}
}

// Snapshot returns a copy of the state of uploadID.
func (m *MultipartStateManager) Snapshot(uploadID string) (MultipartUploadState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.uploads[uploadID]
	if !ok {
		return MultipartUploadState{}, false
	}
	c := *s
	c.Parts = make(map[int32]*UploadPart, len(s.Parts))
	for n, p := range s.Parts {
		pc := *p
		c.Parts[n] = &pc
	}
	return c, true
}

// SetStatus records a new status for uploadID.
func (m *MultipartStateManager) SetStatus(uploadID string, status MultipartUploadStatus) {
	m.Update(uploadID, func(s *MultipartUploadState) {
		s.Status = status
		s.LastUpdatedAt = time.Now()
	})
}

// InProgress returns the IDs and keys of uploads not yet finished.
func (m *MultipartStateManager) InProgress() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for id, s := range m.uploads {
		if !s.Status.IsCompleted() {
			out[id] = s.Key
		}
	}
	return out
}

// CleanupOldUploads removes uploads that have been in a terminal state for
// longer than maxAge.
func (m *MultipartStateManager) CleanupOldUploads(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for id, s := range m.uploads {
		if s.Status.IsCompleted() && s.LastUpdatedAt.Before(cutoff) {
			delete(m.uploads, id)
			removed++
		}
	}
	return removed
}

// Count returns the total number of tracked uploads
func (m *MultipartStateManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}
