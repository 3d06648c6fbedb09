package aws

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/LykxSassinator/backupstore/internal/errs"
	"github.com/LykxSassinator/backupstore/internal/provider"
	"github.com/LykxSassinator/backupstore/internal/retry"
)

/* ------------------------------ fake vendor ----------------------------- */

type fakeUpload struct {
	key   string
	parts map[int32][]byte
}

// fakeS3 is an in-memory object store implementing s3API. Error hooks let
// tests inject failures per call site.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]*fakeUpload
	aborted  map[string]bool
	uploadID int

	createCalls int
	putCalls    int

	onPutObject  func(attempt int) error
	onUploadPart func(pn int32, attempt int) error
	onComplete   func(attempt int) error
	onDelete     func(attempt int) error
	onGet        func(attempt int) error
	onList       func(page int) error

	partAttempts map[int32]int
	putAttempts  int
	completeTry  int
	deleteTry    int
	getTry       int
	listPage     int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      map[string][]byte{},
		uploads:      map[string]*fakeUpload{},
		aborted:      map[string]bool{},
		partAttempts: map[int32]int{},
	}
}

func quotedMD5(data []byte) *string {
	sum := md5.Sum(data)
	return awssdk.String(`"` + hex.EncodeToString(sum[:]) + `"`)
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	f.putAttempts++
	if f.onPutObject != nil {
		if err := f.onPutObject(f.putAttempts); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{ETag: quotedMD5(data)}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getTry++
	if f.onGet != nil {
		if err := f.onGet(f.getTry); err != nil {
			return nil, err
		}
	}
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"}
	}
	if in.Range != nil {
		var err error
		data, err = applyRange(data, *in.Range)
		if err != nil {
			return nil, err
		}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: awssdk.Int64(int64(len(data))),
	}, nil
}

func applyRange(data []byte, rng string) ([]byte, error) {
	spec, ok := strings.CutPrefix(rng, "bytes=")
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "InvalidArgument", Message: "bad range"}
	}
	first, last, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start >= int64(len(data)) {
		return nil, &smithy.GenericAPIError{Code: "InvalidArgument", Message: "bad range start"}
	}
	end := int64(len(data)) - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			return nil, &smithy.GenericAPIError{Code: "InvalidArgument", Message: "bad range end"}
		}
		if end > int64(len(data))-1 {
			end = int64(len(data)) - 1
		}
	}
	return data[start : end+1], nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteTry++
	if f.onDelete != nil {
		if err := f.onDelete(f.deleteTry); err != nil {
			return nil, err
		}
	}
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listPage++
	if f.onList != nil {
		if err := f.onList(f.listPage); err != nil {
			return nil, err
		}
	}
	var keys []string
	for k := range f.objects {
		if in.Prefix == nil || strings.HasPrefix(k, *in.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	pageSize := 10
	end := start + pageSize
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: awssdk.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{
			Key:  awssdk.String(k),
			Size: awssdk.Int64(int64(len(f.objects[k]))),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = awssdk.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.uploadID++
	id := fmt.Sprintf("upload-%d", f.uploadID)
	f.uploads[id] = &fakeUpload{key: *in.Key, parts: map[int32][]byte{}}
	return &s3.CreateMultipartUploadOutput{UploadId: awssdk.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pn := *in.PartNumber
	f.partAttempts[pn]++
	if f.onUploadPart != nil {
		if err := f.onUploadPart(pn, f.partAttempts[pn]); err != nil {
			return nil, err
		}
	}
	up, ok := f.uploads[*in.UploadId]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "no such upload"}
	}
	up.parts[pn] = data
	return &s3.UploadPartOutput{ETag: quotedMD5(data)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeTry++
	if f.onComplete != nil {
		if err := f.onComplete(f.completeTry); err != nil {
			return nil, err
		}
	}
	up, ok := f.uploads[*in.UploadId]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "no such upload"}
	}
	var prev int32
	var body []byte
	for _, p := range in.MultipartUpload.Parts {
		if *p.PartNumber <= prev {
			return nil, &smithy.GenericAPIError{Code: "InvalidPartOrder", Message: "parts out of order"}
		}
		prev = *p.PartNumber
		data, ok := up.parts[*p.PartNumber]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: "missing part"}
		}
		body = append(body, data...)
	}
	f.objects[up.key] = body
	delete(f.uploads, *in.UploadId)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[*in.UploadId]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "no such upload"}
	}
	delete(f.uploads, *in.UploadId)
	f.aborted[*in.UploadId] = true
	return &s3.AbortMultipartUploadOutput{}, nil
}

/* -------------------------------- helpers ------------------------------- */

var testRetry = retry.Options{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	Multiplier:   2.0,
}

func newTestStorage(api s3API) *Storage {
	return &Storage{
		api:         api,
		bucket:      "test-bucket",
		prefix:      "pfx",
		partSize:    1024,
		threshold:   2048,
		concurrency: 3,
		ro:          testRetry,
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

/* --------------------------------- tests -------------------------------- */

func TestPutSmallSkipsMultipart(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)
	data := randomBytes(t, 100)

	if err := s.Put(context.Background(), "small.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if f.createCalls != 0 {
		t.Fatalf("createCalls = %d, small puts must never initiate multipart", f.createCalls)
	}
	if got := f.objects["pfx/small.bin"]; !bytes.Equal(got, data) {
		t.Fatal("stored object differs from input")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)
	data := randomBytes(t, 1500)

	if err := s.Put(context.Background(), "blob", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := s.Get(context.Background(), "blob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("get returned different bytes than put")
	}
}

func TestPutMultipartRoundTrip(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)
	data := randomBytes(t, 5000) // 5 parts of 1024 (last short)

	if err := s.Put(context.Background(), "big.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if f.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", f.createCalls)
	}
	if got := f.objects["pfx/big.bin"]; !bytes.Equal(got, data) {
		t.Fatal("concatenated parts differ from original bytes")
	}
	if len(f.uploads) != 0 {
		t.Fatalf("%d sessions left open after success", len(f.uploads))
	}
}

func TestPutUnknownSizeUsesMultipart(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)
	data := randomBytes(t, 3000)

	// io.MultiReader hides the length.
	if err := s.Put(context.Background(), "stream.bin", io.MultiReader(bytes.NewReader(data)), -1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if f.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", f.createCalls)
	}
	if got := f.objects["pfx/stream.bin"]; !bytes.Equal(got, data) {
		t.Fatal("streamed object differs from input")
	}
}

func TestPutMultipartPermanentPartFailureAborts(t *testing.T) {
	f := newFakeS3()
	f.onUploadPart = func(pn int32, _ int) error {
		if pn == 3 {
			return &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
		}
		return nil
	}
	s := newTestStorage(f)
	data := randomBytes(t, 5000)

	err := s.Put(context.Background(), "big.bin", bytes.NewReader(data), int64(len(data)))
	if !errs.IsKind(err, errs.KindPermissionDenied) {
		t.Fatalf("kind = %v, want permission_denied (err=%v)", errs.KindOf(err), err)
	}
	if len(f.uploads) != 0 {
		t.Fatal("failed upload left an open session")
	}
	if len(f.aborted) != 1 {
		t.Fatalf("aborted = %d sessions, want 1", len(f.aborted))
	}
	if _, exists := f.objects["pfx/big.bin"]; exists {
		t.Fatal("no completed object may exist after an aborted session")
	}
}

func TestPutMultipartTransientPartFailureRetried(t *testing.T) {
	f := newFakeS3()
	f.onUploadPart = func(pn int32, attempt int) error {
		if pn == 2 && attempt == 1 {
			return &smithy.GenericAPIError{Code: "SlowDown", Message: "throttled"}
		}
		return nil
	}
	s := newTestStorage(f)
	data := randomBytes(t, 5000)

	if err := s.Put(context.Background(), "big.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("put should survive one transient part failure: %v", err)
	}
	if got := f.objects["pfx/big.bin"]; !bytes.Equal(got, data) {
		t.Fatal("object differs after retried part")
	}
	if f.partAttempts[2] != 2 {
		t.Fatalf("part 2 attempts = %d, want 2", f.partAttempts[2])
	}
}

func TestPutMultipartCommitFailureAborts(t *testing.T) {
	f := newFakeS3()
	f.onComplete = func(int) error {
		return &smithy.GenericAPIError{Code: "InternalError", Message: "boom"}
	}
	s := newTestStorage(f)
	data := randomBytes(t, 3000)

	err := s.Put(context.Background(), "big.bin", bytes.NewReader(data), int64(len(data)))
	if !errs.IsKind(err, errs.KindExhausted) {
		t.Fatalf("kind = %v, want exhausted (err=%v)", errs.KindOf(err), err)
	}
	if len(f.uploads) != 0 {
		t.Fatal("failed commit left the session dangling")
	}
	if len(f.aborted) != 1 {
		t.Fatalf("aborted = %d, want 1", len(f.aborted))
	}
}

func TestPutEmptyUnknownSizeStream(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)

	if err := s.Put(context.Background(), "empty.bin", bytes.NewReader(nil), -1); err != nil {
		t.Fatalf("put empty stream: %v", err)
	}
	// A zero-part session must be aborted, never committed; the empty
	// object is stored via a plain put.
	if len(f.aborted) != 1 {
		t.Fatalf("aborted = %d, want 1 (zero-part session)", len(f.aborted))
	}
	if got, ok := f.objects["pfx/empty.bin"]; !ok || len(got) != 0 {
		t.Fatalf("empty object missing or non-empty: %v %d", ok, len(got))
	}
}

func TestPutCancellationAbortsSession(t *testing.T) {
	f := newFakeS3()
	ctx, cancel := context.WithCancel(context.Background())
	f.onUploadPart = func(pn int32, _ int) error {
		cancel()
		return ctx.Err()
	}
	s := newTestStorage(f)
	s.concurrency = 1
	data := randomBytes(t, 5000)

	err := s.Put(ctx, "big.bin", bytes.NewReader(data), int64(len(data)))
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if len(f.uploads) != 0 {
		t.Fatal("cancelled upload left the session live on the remote store")
	}
	if len(f.aborted) != 1 {
		t.Fatalf("aborted = %d, want 1", len(f.aborted))
	}
}

func TestGetRange(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)
	data := []byte("0123456789abcdef")
	f.objects["pfx/blob"] = data

	cases := []struct {
		offset, length int64
		want           string
	}{
		{0, 4, "0123"},
		{4, 4, "4567"},
		{10, -1, "abcdef"},
		{0, 0, ""},
	}
	for _, tc := range cases {
		rc, err := s.GetRange(context.Background(), "blob", tc.offset, tc.length)
		if err != nil {
			t.Fatalf("range %d/%d: %v", tc.offset, tc.length, err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != tc.want {
			t.Fatalf("range %d/%d = %q, want %q", tc.offset, tc.length, got, tc.want)
		}
	}

	if _, err := s.GetRange(context.Background(), "blob", -1, 4); !errs.IsKind(err, errs.KindInvalidArgument) {
		t.Fatalf("negative offset should be invalid_argument, got %v", err)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)
	_, err := s.Get(context.Background(), "nope")
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("kind = %v, want not_found (err=%v)", errs.KindOf(err), err)
	}
}

func TestGetTransientThenSuccess(t *testing.T) {
	f := newFakeS3()
	f.objects["pfx/blob"] = []byte("payload")
	f.onGet = func(attempt int) error {
		if attempt == 1 {
			return &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "try later"}
		}
		return nil
	}
	s := newTestStorage(f)

	rc, err := s.Get(context.Background(), "blob")
	if err != nil {
		t.Fatalf("get should survive one transient failure: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	f := newFakeS3()
	f.objects["pfx/blob"] = []byte("x")
	s := newTestStorage(f)

	if err := s.Delete(context.Background(), "blob"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.Delete(context.Background(), "blob"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	// Some S3-compatible stores answer NoSuchKey; that is success too.
	f.onDelete = func(int) error {
		return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "gone"}
	}
	if err := s.Delete(context.Background(), "never-existed"); err != nil {
		t.Fatalf("delete of missing key must succeed: %v", err)
	}
}

func TestListWalksAllPages(t *testing.T) {
	f := newFakeS3()
	for i := 0; i < 25; i++ {
		f.objects[fmt.Sprintf("pfx/chunks/%03d", i)] = bytes.Repeat([]byte("z"), i)
	}
	f.objects["pfx/other/x"] = []byte("not listed")
	s := newTestStorage(f)

	var keys []string
	err := s.List(context.Background(), "chunks/", func(loc provider.BlobLocation) error {
		if loc.Bucket != "test-bucket" {
			t.Fatalf("bucket = %q", loc.Bucket)
		}
		keys = append(keys, loc.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 25 {
		t.Fatalf("listed %d keys, want 25 (pagination across 3 pages)", len(keys))
	}
	if keys[0] != "chunks/000" {
		t.Fatalf("keys should be prefix-stripped, got %q", keys[0])
	}
	if f.listPage < 3 {
		t.Fatalf("listPage = %d, want >= 3 pages consumed", f.listPage)
	}
}

func TestListCallbackErrorStopsWalk(t *testing.T) {
	f := newFakeS3()
	for i := 0; i < 5; i++ {
		f.objects[fmt.Sprintf("pfx/chunks/%d", i)] = nil
	}
	s := newTestStorage(f)

	stop := fmt.Errorf("stop here")
	seen := 0
	err := s.List(context.Background(), "chunks/", func(provider.BlobLocation) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if err != stop {
		t.Fatalf("err = %v, want the callback error", err)
	}
	if seen != 2 {
		t.Fatalf("seen = %d, want 2", seen)
	}
}

func TestPutEmptyKeyRejected(t *testing.T) {
	s := newTestStorage(newFakeS3())
	err := s.Put(context.Background(), "  ", bytes.NewReader(nil), 0)
	if !errs.IsKind(err, errs.KindInvalidArgument) {
		t.Fatalf("kind = %v, want invalid_argument", errs.KindOf(err))
	}
}
