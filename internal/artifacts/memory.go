package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory. For development and
// tests; presigned URLs are plain mem:// URIs with no expiry.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*memoryBlob
}

type memoryBlob struct {
	ref  *Ref
	data []byte
}

// NewMemoryStore creates an in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*memoryBlob)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data io.Reader, contentType string) (*Ref, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	hash := sha256.Sum256(content)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ref := &Ref{
		URI:         "mem://" + key,
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    hex.EncodeToString(hash[:]),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &memoryBlob{ref: ref, data: content}
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref *Ref) (io.ReadCloser, error) {
	key := strings.TrimPrefix(ref.URI, "mem://")

	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", ref.URI)
	}
	return io.NopCloser(bytes.NewReader(blob.data)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref *Ref) error {
	key := strings.TrimPrefix(ref.URI, "mem://")

	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]*Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []*Ref
	for key, blob := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			refs = append(refs, blob.ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].URI < refs[j].URI })
	return refs, nil
}

func (s *MemoryStore) PresignGet(ctx context.Context, ref *Ref, expiry time.Duration) (string, error) {
	return ref.URI, nil
}

var _ Store = (*MemoryStore)(nil)
