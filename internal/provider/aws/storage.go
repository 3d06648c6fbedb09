package aws

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/LykxSassinator/backupstore/internal/config"
	"github.com/LykxSassinator/backupstore/internal/creds"
	"github.com/LykxSassinator/backupstore/internal/errs"
	"github.com/LykxSassinator/backupstore/internal/provider"
	"github.com/LykxSassinator/backupstore/internal/retry"
)

// Storage implements provider.Storage against the vendor object store.
type Storage struct {
	api         s3API
	creds       *creds.Resolver
	bucket      string
	prefix      string
	partSize    int64
	threshold   int64
	concurrency int
	ro          retry.Options
}

// NewStorage builds the object storage client. The configured part size is
// clamped to the vendor's multipart bounds; the adapter owns those, not the
// config layer.
func NewStorage(api s3API, resolver *creds.Resolver, c config.Config) *Storage {
	partSize := c.AWS.PartSize
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	if partSize > MaxPartSize {
		partSize = MaxPartSize
	}
	threshold := c.AWS.MultipartThreshold
	if threshold <= 0 {
		threshold = 2 * partSize
	}
	concurrency := c.AWS.UploadConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Storage{
		api:         api,
		creds:       resolver,
		bucket:      c.AWS.Bucket,
		prefix:      strings.Trim(c.AWS.Prefix, "/"),
		partSize:    partSize,
		threshold:   threshold,
		concurrency: concurrency,
		ro:          c.RetryOptions(),
	}
}

func (s *Storage) Name() string { return "aws" }

func (s *Storage) fullKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Storage) refresh() retry.RefreshFunc {
	if s.creds == nil {
		return nil
	}
	return s.creds.Refresh
}

// Put writes a blob. Sizes at or below the multipart threshold upload in a
// single request; everything else (including unknown-size streams) goes
// through the multipart path.
func (s *Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if strings.TrimSpace(key) == "" {
		return errs.E("s3.put", key, errs.KindInvalidArgument, fmt.Errorf("empty object key"))
	}
	if size >= 0 && size <= s.threshold {
		data, err := io.ReadAll(io.LimitReader(body, size))
		if err != nil {
			return errs.E("s3.put", key, errs.KindInvalidArgument, fmt.Errorf("read body: %w", err))
		}
		if int64(len(data)) != size {
			return errs.E("s3.put", key, errs.KindInvalidArgument,
				fmt.Errorf("size hint %d but body has %d bytes", size, len(data)))
		}
		return s.putObject(ctx, key, data)
	}
	return s.putMultipart(ctx, key, body, size)
}

func (s *Storage) putObject(ctx context.Context, key string, data []byte) error {
	full := s.fullKey(key)
	sum := md5.Sum(data)
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])

	start := time.Now()
	attempt := 0
	putOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "s3_put").Str("bucket", s.bucket).Str("key", full).
			Int("attempt", attempt).Int("size", len(data)).Msg("starting attempt")

		_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(full),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentMD5:    aws.String(contentMD5),
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "s3_put").Str("key", full).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		return nil
	}
	if err := retry.Do(ctx, s.ro, "s3.put", key, classify, s.refresh(), putOnce); err != nil {
		return normalize("s3.put", key, err)
	}
	log.Info().Str("action", "s3_put").Str("bucket", s.bucket).Str("key", full).
		Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("put OK")
	return nil
}

// Get opens a streaming read of the full object.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.get(ctx, key, nil)
}

// GetRange opens a streaming read of length bytes at offset; length < 0
// reads to the end of the object.
func (s *Storage) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, errs.E("s3.get", key, errs.KindInvalidArgument, fmt.Errorf("negative offset %d", offset))
	}
	var rng string
	if length < 0 {
		rng = fmt.Sprintf("bytes=%d-", offset)
	} else {
		if length == 0 {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	return s.get(ctx, key, aws.String(rng))
}

func (s *Storage) get(ctx context.Context, key string, rng *string) (io.ReadCloser, error) {
	full := s.fullKey(key)

	var body io.ReadCloser
	attempt := 0
	getOnce := func(ctx context.Context) error {
		attempt++
		ev := log.Debug().Str("action", "s3_get").Str("bucket", s.bucket).Str("key", full).
			Int("attempt", attempt)
		if rng != nil {
			ev = ev.Str("range", *rng)
		}
		ev.Msg("starting attempt")

		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(full),
			Range:  rng,
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "s3_get").Str("key", full).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		body = out.Body
		return nil
	}
	// The retry covers opening the stream only; the returned body streams
	// under the caller's context.
	opts := s.ro
	opts.AttemptTimeout = 0
	if err := retry.Do(ctx, opts, "s3.get", key, classify, s.refresh(), getOnce); err != nil {
		return nil, normalize("s3.get", key, err)
	}
	return body, nil
}

// Delete removes a blob. Deleting a non-existent object is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	full := s.fullKey(key)

	attempt := 0
	deleteOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "s3_delete").Str("bucket", s.bucket).Str("key", full).
			Int("attempt", attempt).Msg("starting attempt")

		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(full),
		})
		return err
	}
	err := normalize("s3.delete", key, retry.Do(ctx, s.ro, "s3.delete", key, classify, s.refresh(), deleteOnce))
	if errs.IsKind(err, errs.KindNotFound) {
		// Idempotent: the object is gone either way.
		return nil
	}
	return err
}

// List walks every object under prefix. Vendor pages are fetched as needed
// (each page fetch retried) and fully drained before List returns.
func (s *Storage) List(ctx context.Context, prefix string, fn provider.WalkFunc) error {
	full := s.fullKey(prefix)
	strip := ""
	if s.prefix != "" {
		strip = s.prefix + "/"
	}

	pager := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	page := 0
	for pager.HasMorePages() {
		page++
		var out *s3.ListObjectsV2Output
		nextOnce := func(ctx context.Context) error {
			log.Debug().Str("action", "s3_list").Str("bucket", s.bucket).Str("prefix", full).
				Int("page", page).Msg("fetching page")
			var err error
			out, err = pager.NextPage(ctx)
			return err
		}
		if err := retry.Do(ctx, s.ro, "s3.list", prefix, classify, s.refresh(), nextOnce); err != nil {
			return normalize("s3.list", prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			loc := provider.BlobLocation{
				Bucket: s.bucket,
				Key:    strings.TrimPrefix(*obj.Key, strip),
			}
			if obj.Size != nil {
				loc.Size = *obj.Size
			}
			if err := fn(loc); err != nil {
				return err
			}
		}
	}
	return nil
}
