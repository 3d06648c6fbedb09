package aws

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/LykxSassinator/backupstore/internal/errs"
	"github.com/LykxSassinator/backupstore/internal/retry"
)

// Vendor multipart bounds: parts of 5 MiB..5 GiB (final part exempt from
// the minimum), at most 10000 parts per upload.
const (
	MinPartSize = 5 << 20
	MaxPartSize = 5 << 30
	MaxParts    = 10000

	abortTimeout = 30 * time.Second
)

// uploadSession tracks one in-flight multipart upload. Parts complete
// concurrently, so the completed-part record is synchronized; ordering is
// restored by sorting at commit time, not assumed from completion order.
type uploadSession struct {
	uploadID string
	key      string

	mu    sync.Mutex
	parts []types.CompletedPart
}

func (u *uploadSession) add(p types.CompletedPart) {
	u.mu.Lock()
	u.parts = append(u.parts, p)
	u.mu.Unlock()
}

// completed returns the parts sorted by strictly increasing part number.
func (u *uploadSession) completed() []types.CompletedPart {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]types.CompletedPart, len(u.parts))
	copy(out, u.parts)
	sort.Slice(out, func(i, j int) bool {
		return *out[i].PartNumber < *out[j].PartNumber
	})
	return out
}

// putMultipart streams body into a multipart upload: sequential chunking
// into fixed-size parts, concurrent part uploads up to the configured
// parallelism, ETag verification per part, ordered commit. Every failure
// path (part failure, commit failure, caller cancellation, empty stream)
// aborts the session so nothing uncommitted survives this call.
func (s *Storage) putMultipart(ctx context.Context, key string, body io.Reader, size int64) error {
	full := s.fullKey(key)

	sess, err := s.createSession(ctx, key, full)
	if err != nil {
		return err
	}
	log.Debug().Str("action", "s3_multipart").Str("key", full).
		Str("upload_id", sess.uploadID).Int64("size_hint", size).
		Int64("part_size", s.partSize).Msg("session created")

	g, gctx := errgroup.WithContext(ctx)
	limit := s.concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	var readErr error
	partNum := int32(0)
	for {
		buf := make([]byte, s.partSize)
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			partNum++
			if partNum > MaxParts {
				readErr = errs.E("s3.put", key, errs.KindInvalidArgument,
					fmt.Errorf("object exceeds %d parts of %d bytes; raise the part size", MaxParts, s.partSize))
				break
			}
			pn := partNum
			data := buf[:n]
			g.Go(func() error {
				return s.uploadPart(gctx, sess, full, pn, data)
			})
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			readErr = errs.E("s3.put", key, errs.KindInvalidArgument, fmt.Errorf("read body: %w", rerr))
			break
		}
		if gctx.Err() != nil {
			// A part already failed; stop feeding new ones.
			break
		}
	}

	if werr := g.Wait(); werr != nil || readErr != nil {
		s.abortSession(ctx, sess, full)
		if readErr != nil {
			return readErr
		}
		return normalize("s3.put", key, werr)
	}
	if ctx.Err() != nil {
		s.abortSession(ctx, sess, full)
		return ctx.Err()
	}

	parts := sess.completed()
	if len(parts) == 0 {
		// A zero-part session can never be committed; abort it and
		// store the empty object directly.
		s.abortSession(ctx, sess, full)
		return s.putObject(ctx, key, nil)
	}

	if err := s.commitSession(ctx, sess, key, full, parts); err != nil {
		s.abortSession(ctx, sess, full)
		return err
	}
	log.Info().Str("action", "s3_multipart").Str("bucket", s.bucket).Str("key", full).
		Str("upload_id", sess.uploadID).Int("parts", len(parts)).Msg("upload committed")
	return nil
}

func (s *Storage) createSession(ctx context.Context, key, full string) (*uploadSession, error) {
	var uploadID string
	attempt := 0
	createOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "s3_multipart_create").Str("key", full).
			Int("attempt", attempt).Msg("starting attempt")
		out, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(full),
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	}
	if err := retry.Do(ctx, s.ro, "s3.put", key, classify, s.refresh(), createOnce); err != nil {
		return nil, normalize("s3.put", key, err)
	}
	return &uploadSession{uploadID: uploadID, key: full}, nil
}

// uploadPart uploads one part under the shared retry policy and records it
// once the returned ETag matches the locally computed MD5.
func (s *Storage) uploadPart(ctx context.Context, sess *uploadSession, full string, pn int32, data []byte) error {
	sum := md5.Sum(data)
	wantETag := hex.EncodeToString(sum[:])
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])

	attempt := 0
	uploadOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "s3_upload_part").Str("key", full).
			Str("upload_id", sess.uploadID).Int32("part", pn).
			Int("attempt", attempt).Int("size", len(data)).Msg("starting attempt")

		out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(full),
			UploadId:      aws.String(sess.uploadID),
			PartNumber:    aws.Int32(pn),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentMD5:    aws.String(contentMD5),
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "s3_upload_part").Str("key", full).
				Int32("part", pn).Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		got := strings.Trim(aws.ToString(out.ETag), `"`)
		if !strings.EqualFold(got, wantETag) {
			// Corruption in transit; the part is re-sent.
			return errs.E("s3.upload_part", full, errs.KindTransient,
				fmt.Errorf("part %d etag mismatch: local md5 %s, remote %s", pn, wantETag, got))
		}
		sess.add(types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(pn),
		})
		return nil
	}
	return retry.Do(ctx, s.ro, "s3.upload_part", full, classify, s.refresh(), uploadOnce)
}

func (s *Storage) commitSession(ctx context.Context, sess *uploadSession, key, full string, parts []types.CompletedPart) error {
	attempt := 0
	commitOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "s3_multipart_commit").Str("key", full).
			Str("upload_id", sess.uploadID).Int("parts", len(parts)).
			Int("attempt", attempt).Msg("starting attempt")
		_, err := s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(full),
			UploadId: aws.String(sess.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: parts,
			},
		})
		return err
	}
	return normalize("s3.put", key,
		retry.Do(ctx, s.ro, "s3.put", key, classify, s.refresh(), commitOnce))
}

// abortSession tears down an uncommitted session. Runs on a
// cancel-isolated context so an aborted caller still cleans up remotely;
// best effort, a failed abort is logged and the original error stands.
func (s *Storage) abortSession(ctx context.Context, sess *uploadSession, full string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	abortOnce := func(ctx context.Context) error {
		_, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(full),
			UploadId: aws.String(sess.uploadID),
		})
		return err
	}
	err := retry.Do(actx, s.ro, "s3.abort", full, classify, s.refresh(), abortOnce)
	if err != nil && !errs.IsKind(normalize("s3.abort", full, err), errs.KindNotFound) {
		log.Warn().Err(err).Str("action", "s3_multipart_abort").Str("key", full).
			Str("upload_id", sess.uploadID).Msg("failed to abort multipart session")
		return
	}
	log.Debug().Str("action", "s3_multipart_abort").Str("key", full).
		Str("upload_id", sess.uploadID).Msg("session aborted")
}
