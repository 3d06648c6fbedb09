package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"

	"github.com/LykxSassinator/backupstore/internal/config"
	"github.com/LykxSassinator/backupstore/internal/creds"
	"github.com/LykxSassinator/backupstore/internal/errs"
	"github.com/LykxSassinator/backupstore/internal/provider"
	"github.com/LykxSassinator/backupstore/internal/retry"
)

// defaultDataKeyBytes is the plaintext length used when a spec does not
// request one (AES-256).
const defaultDataKeyBytes = 32

// KeyManager implements provider.KeyProvider against the vendor key
// management service. Stateless across calls: each call resolves
// credentials and applies the shared retry policy independently. Plaintext
// key material is handed to the caller and never retained, logged or
// persisted here.
type KeyManager struct {
	api         kmsAPI
	creds       *creds.Resolver
	masterKeyID string
	ro          retry.Options
}

// NewKeyManager builds the key management client.
func NewKeyManager(api kmsAPI, resolver *creds.Resolver, c config.Config) *KeyManager {
	return &KeyManager{
		api:         api,
		creds:       resolver,
		masterKeyID: c.AWS.MasterKeyID,
		ro:          c.RetryOptions(),
	}
}

func (k *KeyManager) Name() string { return "aws" }

func (k *KeyManager) refresh() retry.RefreshFunc {
	if k.creds == nil {
		return nil
	}
	return k.creds.Refresh
}

// GenerateDataKey requests a fresh plaintext key and its ciphertext
// wrapping under the master key in one call.
func (k *KeyManager) GenerateDataKey(ctx context.Context, spec provider.DataKeySpec) (*provider.WrappedKey, error) {
	keyID := spec.MasterKeyID
	if keyID == "" {
		keyID = k.masterKeyID
	}
	if keyID == "" {
		return nil, errs.E("kms.generate_data_key", "", errs.KindInvalidArgument,
			fmt.Errorf("no master key id configured"))
	}
	nbytes := spec.Bytes
	if nbytes == 0 {
		nbytes = defaultDataKeyBytes
	}
	if nbytes < 0 || nbytes > 1024 {
		return nil, errs.E("kms.generate_data_key", keyID, errs.KindInvalidArgument,
			fmt.Errorf("invalid data key length %d", nbytes))
	}

	start := time.Now()
	var out *kms.GenerateDataKeyOutput
	attempt := 0
	generateOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "kms_generate_data_key").Str("master_key", keyID).
			Int("attempt", attempt).Msg("starting attempt")
		var err error
		out, err = k.api.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:         aws.String(keyID),
			NumberOfBytes: aws.Int32(nbytes),
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "kms_generate_data_key").
				Str("master_key", keyID).Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	}
	if err := retry.Do(ctx, k.ro, "kms.generate_data_key", keyID, classify, k.refresh(), generateOnce); err != nil {
		return nil, normalize("kms.generate_data_key", keyID, err)
	}
	if int32(len(out.Plaintext)) != nbytes {
		return nil, errs.E("kms.generate_data_key", keyID, errs.KindInvalidArgument,
			fmt.Errorf("vendor returned %d plaintext bytes, requested %d", len(out.Plaintext), nbytes))
	}
	log.Info().Str("action", "kms_generate_data_key").Str("master_key", keyID).
		Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("data key generated")
	return &provider.WrappedKey{
		Plaintext:  out.Plaintext,
		Ciphertext: out.CiphertextBlob,
	}, nil
}

// DecryptDataKey unwraps a previously generated key. An unknown master key
// surfaces as KindNotFound and insufficient permission as
// KindPermissionDenied; the orchestration layer's recovery differs for the
// two, so they are never conflated.
func (k *KeyManager) DecryptDataKey(ctx context.Context, ciphertext []byte, masterKeyID string) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errs.E("kms.decrypt", masterKeyID, errs.KindInvalidArgument,
			fmt.Errorf("empty ciphertext"))
	}
	in := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if masterKeyID != "" {
		in.KeyId = aws.String(masterKeyID)
	}

	var out *kms.DecryptOutput
	attempt := 0
	decryptOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "kms_decrypt").Str("master_key", masterKeyID).
			Int("attempt", attempt).Msg("starting attempt")
		var err error
		out, err = k.api.Decrypt(ctx, in)
		if err != nil {
			log.Debug().Err(err).Str("action", "kms_decrypt").
				Str("master_key", masterKeyID).Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	}
	if err := retry.Do(ctx, k.ro, "kms.decrypt", masterKeyID, classify, k.refresh(), decryptOnce); err != nil {
		return nil, normalize("kms.decrypt", masterKeyID, err)
	}
	return out.Plaintext, nil
}
