// Package artifacts provides storage for generated media: the manifest
// of a completed run and any provider outputs the service mirrors.
package artifacts

import (
	"context"
	"io"
	"time"
)

// Ref describes one stored artifact.
type Ref struct {
	URI         string    `json:"uri"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists artifact blobs. Keys are namespaced per run:
// runs/<runID>/<stageID>/<name>.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) (*Ref, error)
	Get(ctx context.Context, ref *Ref) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]*Ref, error)
	Delete(ctx context.Context, ref *Ref) error

	// PresignGet returns a time-limited download URL for a stored
	// artifact, suitable for handing straight to a browser.
	PresignGet(ctx context.Context, ref *Ref, expiry time.Duration) (string, error)
}

// RunKey builds the storage key for a run-scoped artifact.
func RunKey(runID, stageID, name string) string {
	return "runs/" + runID + "/" + stageID + "/" + name
}
