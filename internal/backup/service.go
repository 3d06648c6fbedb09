package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/LykxSassinator/backupstore/internal/config"
	"github.com/LykxSassinator/backupstore/internal/crypto"
	"github.com/LykxSassinator/backupstore/internal/provider"
	"github.com/LykxSassinator/backupstore/internal/util"
)

// Options controls backup naming and input.
type Options struct {
	// LocalPath: the file to back up.
	LocalPath string
	// RemotePrefix: provider prefix/directory; a timestamped name is
	// appended (default: backups).
	RemotePrefix string
	// TimestampFormat: Go time layout for the object name
	// (default: 2006-01-02T15-04-05Z).
	TimestampFormat string
}

// Result contains the uploaded object keys.
type Result struct {
	LocalPath   string
	RemoteKey   string
	ManifestKey string
	Timestamp   time.Time
}

// Manifest is the durable sidecar describing one encrypted backup. It
// carries the wrapped data key; the plaintext key never appears here or
// anywhere else outside memory.
type Manifest struct {
	Version     int       `json:"version"`
	MasterKeyID string    `json:"master_key_id"`
	WrappedKey  []byte    `json:"wrapped_key"` // ciphertext blob, vendor-opaque
	SHA256      string    `json:"sha256"`      // of the plaintext payload
	Size        int64     `json:"size"`        // plaintext bytes
	CreatedAt   time.Time `json:"created_at"`
}

// ManifestSuffix is appended to the payload key to name its sidecar.
const ManifestSuffix = ".meta.json"

// Run envelope-encrypts a local file and uploads payload plus manifest:
// generate a data key under the configured master key, seal the file stream
// with the plaintext key, upload the sealed stream, persist only the
// wrapped key in the manifest, and drop the plaintext key.
func Run(ctx context.Context, cfg config.Config, store provider.Storage, keys provider.KeyProvider, opt Options) (Result, error) {
	var res Result

	local := strings.TrimSpace(opt.LocalPath)
	if local == "" {
		return res, fmt.Errorf("backup: local path is empty (provide BACKUP_SOURCE or CLI arg)")
	}
	local = filepath.Clean(local)

	sum, size, err := util.SHA256File(local)
	if err != nil {
		return res, fmt.Errorf("checksum: %w", err)
	}

	// Wrap a fresh data key under the master key.
	wk, err := keys.GenerateDataKey(ctx, provider.DataKeySpec{
		MasterKeyID: cfg.AWS.MasterKeyID,
		Bytes:       cfg.AWS.DataKeyBytes,
	})
	if err != nil {
		log.Error().Err(err).Str("action", "generate_data_key").Msg("data key generation failed")
		return res, fmt.Errorf("generate data key: %w", err)
	}
	defer wk.Zero()

	ts := time.Now().UTC()
	key := buildKey(opt.RemotePrefix, opt.TimestampFormat, ts)

	f, err := os.Open(local)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("file", local).Msg("failed to close source file after backup")
		}
	}()

	enc, err := crypto.NewEncryptReader(f, wk.Plaintext)
	if err != nil {
		return res, fmt.Errorf("init payload encryption: %w", err)
	}

	upStart := time.Now()
	log.Info().Str("action", "backup_upload").Str("local", local).Str("remote", key).
		Int64("plain_size", size).Msg("starting upload")
	// Sealed size is unknown up front; the storage client streams it in
	// parts.
	if err := store.Put(ctx, key, enc, -1); err != nil {
		log.Error().Err(err).Str("action", "backup_upload").Str("remote", key).Msg("upload failed")
		return res, fmt.Errorf("upload payload: %w", err)
	}
	log.Info().Str("action", "backup_upload").Str("remote", key).
		Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")

	m := Manifest{
		Version:     1,
		MasterKeyID: cfg.AWS.MasterKeyID,
		WrappedKey:  wk.Ciphertext,
		SHA256:      sum,
		Size:        size,
		CreatedAt:   ts,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return res, fmt.Errorf("encode manifest: %w", err)
	}
	manifestKey := key + ManifestSuffix
	if err := store.Put(ctx, manifestKey, strings.NewReader(string(raw)), int64(len(raw))); err != nil {
		// Without its manifest the payload is unrecoverable; remove it.
		if derr := store.Delete(ctx, key); derr != nil {
			log.Warn().Err(derr).Str("remote", key).Msg("failed to remove payload after manifest failure")
		}
		log.Error().Err(err).Str("action", "backup_manifest").Str("remote", manifestKey).Msg("manifest upload failed")
		return res, fmt.Errorf("upload manifest: %w", err)
	}

	res.LocalPath = local
	res.RemoteKey = key
	res.ManifestKey = manifestKey
	res.Timestamp = ts

	log.Debug().Str("action", "build_key").Str("remote_key", key).
		Str("manifest_key", manifestKey).Msg("backup objects written")
	return res, nil
}

// buildKey produces "<prefix>/<timestamp>-<id>.bak". The short random id
// keeps two backups taken in the same second from colliding.
func buildKey(prefix, layout string, ts time.Time) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "backups"
	}
	if strings.TrimSpace(layout) == "" {
		layout = "2006-01-02T15-04-05Z"
	}
	id := uuid.NewString()[:8]
	return filepath.ToSlash(filepath.Join(prefix, fmt.Sprintf("%s-%s.bak", ts.Format(layout), id)))
}
