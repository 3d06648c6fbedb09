package provider

import (
	"context"
	"io"
)

// BlobLocation identifies a remote object yielded by List.
type BlobLocation struct {
	Bucket string
	Key    string
	Size   int64
}

// DataKeySpec is the input to data key generation.
type DataKeySpec struct {
	// MasterKeyID names the vendor-held master key. Empty selects the
	// backend's configured default.
	MasterKeyID string
	// Bytes is the requested plaintext key length (e.g. 32 for AES-256).
	Bytes int32
}

// WrappedKey pairs a freshly generated plaintext data key with its
// ciphertext wrapping. The plaintext exists only in memory; callers zero it
// as soon as the bulk encryption is keyed. Only the ciphertext may be
// written to durable backup metadata.
type WrappedKey struct {
	Plaintext  []byte
	Ciphertext []byte
}

// Zero wipes the plaintext key material.
func (w *WrappedKey) Zero() {
	for i := range w.Plaintext {
		w.Plaintext[i] = 0
	}
	w.Plaintext = nil
}

// WalkFunc receives one location per listed object. Returning an error
// stops the walk and surfaces that error from List.
type WalkFunc func(BlobLocation) error

// Storage is the object-storage capability consumed by the backup
// orchestration. Implementations normalize all vendor errors into the errs
// taxonomy before returning.
type Storage interface {
	// Put writes a blob. size is a hint in bytes; negative means unknown.
	// Blobs above the configured multipart threshold (and all
	// unknown-size streams) are uploaded in parts and committed
	// atomically; any part failure aborts the whole upload.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get opens a streaming read of the full object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetRange opens a streaming read of length bytes starting at
	// offset. length < 0 reads to the end of the object.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Delete removes a blob. Deleting a non-existent key is not an error.
	Delete(ctx context.Context, key string) error

	// List walks every object under prefix, fetching vendor pages as
	// needed, and returns once the listing is fully consumed.
	List(ctx context.Context, prefix string, fn WalkFunc) error

	// Name returns the backend identifier (e.g. "aws").
	Name() string
}

// KeyProvider is the key-management capability: envelope encryption of data
// keys under a vendor-held master key. Stateless across calls.
type KeyProvider interface {
	// GenerateDataKey requests a fresh plaintext key plus its ciphertext
	// wrapping in a single call.
	GenerateDataKey(ctx context.Context, spec DataKeySpec) (*WrappedKey, error)

	// DecryptDataKey unwraps a previously generated key. Unknown master
	// keys surface as KindNotFound, missing permission as
	// KindPermissionDenied; the two are never conflated.
	DecryptDataKey(ctx context.Context, ciphertext []byte, masterKeyID string) ([]byte, error)

	// Name returns the backend identifier.
	Name() string
}

// Backend bundles the two capabilities a vendor adapter provides.
type Backend struct {
	Storage Storage
	Keys    KeyProvider
}
