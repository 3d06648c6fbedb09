package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LykxSassinator/backupstore/internal/backup"
	"github.com/LykxSassinator/backupstore/internal/config"
	"github.com/LykxSassinator/backupstore/internal/crypto"
	"github.com/LykxSassinator/backupstore/internal/provider"
	"github.com/LykxSassinator/backupstore/internal/util"
)

// Options controls the restore workflow.
type Options struct {
	// RemoteKey is the payload object key
	// (e.g. "backups/2025-09-08T15-42-01Z-1a2b3c4d.bak").
	RemoteKey string
	// LocalPath is where the decrypted payload is written.
	// If empty, defaults to "./restored.bak".
	LocalPath string
	// Force overwrites an existing local file.
	Force bool
}

// Run fetches the manifest, unwraps the data key, streams and decrypts the
// payload to a local file, and verifies its checksum against the manifest.
func Run(ctx context.Context, cfg config.Config, store provider.Storage, keys provider.KeyProvider, opt Options) error {
	remote := strings.TrimSpace(opt.RemoteKey)
	if remote == "" {
		return fmt.Errorf("restore: remote key is empty (provide RESTORE_SOURCE or CLI arg)")
	}
	local := strings.TrimSpace(opt.LocalPath)
	if local == "" {
		local = "./restored.bak"
	}
	local = filepath.Clean(local)
	if !opt.Force {
		if _, err := os.Stat(local); err == nil {
			return fmt.Errorf("restore: %q already exists (use force to overwrite)", local)
		}
	}

	// 1) Manifest: the wrapped key and expected checksum.
	m, err := fetchManifest(ctx, store, remote+backup.ManifestSuffix)
	if err != nil {
		log.Error().Err(err).Str("action", "restore_manifest").Str("remote", remote).Msg("manifest fetch failed")
		return err
	}

	// 2) Unwrap the data key. Plaintext lives only for the duration of
	// the stream.
	keyStart := time.Now()
	plainKey, err := keys.DecryptDataKey(ctx, m.WrappedKey, m.MasterKeyID)
	if err != nil {
		log.Error().Err(err).Str("action", "restore_unwrap_key").
			Str("master_key", m.MasterKeyID).Msg("data key decryption failed")
		return fmt.Errorf("decrypt data key: %w", err)
	}
	defer func() {
		for i := range plainKey {
			plainKey[i] = 0
		}
	}()
	log.Debug().Str("action", "restore_unwrap_key").Str("master_key", m.MasterKeyID).
		Dur("elapsed_ms", time.Since(keyStart)).Msg("data key unwrapped")

	// 3) Stream, decrypt, write.
	dlStart := time.Now()
	log.Info().Str("action", "restore_download").Str("remote", remote).
		Str("local", local).Msg("starting download")
	body, err := store.Get(ctx, remote)
	if err != nil {
		log.Error().Err(err).Str("action", "restore_download").Str("remote", remote).Msg("download failed")
		return fmt.Errorf("download payload: %w", err)
	}
	defer func() { _ = body.Close() }()

	dec, err := crypto.NewDecryptReader(body, plainKey)
	if err != nil {
		return fmt.Errorf("init payload decryption: %w", err)
	}

	out, err := os.Create(local)
	if err != nil {
		return err
	}
	// Hash while writing; the decrypted stream is read exactly once.
	sum, written, err := util.SHA256Reader(io.TeeReader(dec, out))
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(local)
		log.Error().Err(err).Str("action", "restore_download").Str("remote", remote).
			Dur("elapsed_ms", time.Since(dlStart)).Msg("decrypt failed")
		return fmt.Errorf("decrypt payload: %w", err)
	}

	// 4) Verify against the manifest.
	if written != m.Size {
		_ = os.Remove(local)
		return fmt.Errorf("size mismatch: manifest=%d, restored=%d", m.Size, written)
	}
	if sum != m.SHA256 {
		_ = os.Remove(local)
		return fmt.Errorf("sha256 mismatch: manifest=%s, restored=%s", m.SHA256, sum)
	}

	log.Info().Str("action", "restore_download").Str("remote", remote).Str("local", local).
		Int64("size", written).Dur("elapsed_ms", time.Since(dlStart)).
		Msg("restore OK (sha256 & size)")
	return nil
}

func fetchManifest(ctx context.Context, store provider.Storage, key string) (backup.Manifest, error) {
	var m backup.Manifest
	body, err := store.Get(ctx, key)
	if err != nil {
		return m, fmt.Errorf("fetch manifest: %w", err)
	}
	defer func() { _ = body.Close() }()
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	if len(m.WrappedKey) == 0 {
		return m, fmt.Errorf("manifest %q carries no wrapped key", key)
	}
	return m, nil
}
