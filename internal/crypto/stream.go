// Package crypto seals backup payloads with a data key before they leave
// the host. AES-256-GCM over fixed-size frames keeps memory bounded for
// arbitrarily large payloads; the wrapped form of the key travels in the
// backup manifest, never the plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FrameSize is the plaintext bytes sealed per frame.
	FrameSize = 64 << 10

	nonceSize  = 12
	headerSize = 5 // 4-byte big-endian ciphertext length + 1 frame-type byte

	// Frame types, authenticated as GCM additional data so neither can be
	// forged or stripped. Every stream ends with one final frame of empty
	// plaintext; a stream cut at a frame boundary is missing it.
	frameData  = 0x00
	frameFinal = 0x01
)

var (
	ErrTruncated = errors.New("ciphertext stream truncated")
	ErrTampered  = errors.New("ciphertext stream failed authentication")
)

// newGCM builds the AEAD for a 16/24/32-byte key.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// counterNonce derives the per-frame nonce from a random stream prefix and
// the frame index. The prefix is written once at the head of the stream;
// frame indices make every nonce unique within it.
func counterNonce(prefix []byte, frame uint64) []byte {
	n := make([]byte, nonceSize)
	copy(n, prefix[:4])
	binary.BigEndian.PutUint64(n[4:], frame)
	return n
}

type encryptReader struct {
	src    io.Reader
	aead   cipher.AEAD
	prefix []byte
	frame  uint64

	buf     []byte // pending output
	started bool
	done    bool
}

// NewEncryptReader wraps src so reads yield the sealed stream: a 4-byte
// random nonce prefix, then frames of [len|type|sealed ciphertext], closed
// by an authenticated final frame of empty plaintext. The caller owns key
// and should zero it when the stream is drained.
func NewEncryptReader(src io.Reader, key []byte) (io.Reader, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	prefix := make([]byte, 4)
	if _, err := rand.Read(prefix); err != nil {
		return nil, err
	}
	return &encryptReader{src: src, aead: aead, prefix: prefix}, nil
}

func (r *encryptReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *encryptReader) fill() error {
	if !r.started {
		r.started = true
		r.buf = append(r.buf, r.prefix...)
		return nil
	}
	plain := make([]byte, FrameSize)
	n, err := io.ReadFull(r.src, plain)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	if n > 0 {
		r.seal(frameData, plain[:n])
	}
	if n < FrameSize {
		// Source exhausted. The final frame authenticates stream
		// termination so a cut at a frame boundary is detectable.
		r.seal(frameFinal, nil)
		r.done = true
	}
	return nil
}

func (r *encryptReader) seal(ftype byte, plain []byte) {
	sealed := r.aead.Seal(nil, counterNonce(r.prefix, r.frame), plain, []byte{ftype})
	r.frame++
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(sealed)))
	header[4] = ftype
	r.buf = append(r.buf, header...)
	r.buf = append(r.buf, sealed...)
}

type decryptReader struct {
	src    io.Reader
	aead   cipher.AEAD
	prefix []byte
	frame  uint64

	buf     []byte
	started bool
	done    bool
}

// NewDecryptReader reverses NewEncryptReader. Tampered or truncated input
// fails with ErrTampered/ErrTruncated; EOF before the authenticated final
// frame counts as truncation.
func NewDecryptReader(src io.Reader, key []byte) (io.Reader, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &decryptReader{src: src, aead: aead}, nil
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *decryptReader) fill() error {
	if !r.started {
		r.started = true
		r.prefix = make([]byte, 4)
		if _, err := io.ReadFull(r.src, r.prefix); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrTruncated
			}
			return err
		}
		return nil
	}
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r.src, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// The final frame never arrived.
			return ErrTruncated
		}
		return err
	}
	clen := binary.BigEndian.Uint32(header[:4])
	ftype := header[4]
	if ftype != frameData && ftype != frameFinal {
		return ErrTampered
	}
	overhead := uint32(r.aead.Overhead())
	if clen < overhead || clen > FrameSize+overhead {
		return ErrTampered
	}
	sealed := make([]byte, clen)
	if _, err := io.ReadFull(r.src, sealed); err != nil {
		return ErrTruncated
	}
	plain, err := r.aead.Open(nil, counterNonce(r.prefix, r.frame), sealed, []byte{ftype})
	if err != nil {
		return ErrTampered
	}
	r.frame++
	if ftype == frameFinal {
		if len(plain) != 0 {
			return ErrTampered
		}
		r.done = true
		return nil
	}
	r.buf = plain
	return nil
}
