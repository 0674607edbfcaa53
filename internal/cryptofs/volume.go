package cryptofs

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"

	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// formatVersion is authenticated as part of every sealed blob.
	formatVersion byte = 0x01

	masterKeySize = 32
	saltSize      = 16

	sealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var (
	hkdfInfoImage   = []byte("gophsso.cryptofs.image.v1")
	slotIDDomain    = "gophsso.cryptofs.slot.v1"
	imageAADContext = []byte("gophsso.cryptofs.image")
	slotAADContext  = []byte("gophsso.cryptofs.slot")
)

// KDFParams are the argon2id parameters used to turn a key into a key
// encryption key.
type KDFParams struct {
	Time      uint32 `cbor:"time"`
	MemoryKiB uint32 `cbor:"memory_kib"`
	Threads   uint8  `cbor:"threads"`
}

// DefaultKDFParams follow the argon2id recommendation for interactive use.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

// keySlot wraps the volume master key under one key.
type keySlot struct {
	ID      string    `cbor:"id"`
	KDF     KDFParams `cbor:"kdf"`
	Salt    []byte    `cbor:"salt"`
	Wrapped []byte    `cbor:"wrapped"`
}

// volume is the on-disk format: a CBOR header with the key slots and the
// sealed, zstd compressed image of the mounted directory.
type volume struct {
	Version byte      `cbor:"version"`
	Type    string    `cbor:"type"`
	SizeMiB uint32    `cbor:"size_mib"`
	Slots   []keySlot `cbor:"slots"`
	Image   []byte    `cbor:"image"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cryptofs: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cryptofs: cbor decoder: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cryptofs: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cryptofs: zstd decoder: " + err.Error())
	}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal encrypts plaintext as [version][nonce][ciphertext+tag]. The
// version byte and context are authenticated.
func seal(key, plaintext, context []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = formatVersion
	copy(out[1:], nonce)
	return aead.Seal(out, nonce, plaintext, aad(formatVersion, context)), nil
}

func open(key, blob, context []byte) ([]byte, error) {
	if len(blob) < sealOverhead {
		return nil, fmt.Errorf("sealed blob is %d bytes, minimum is %d", len(blob), sealOverhead)
	}
	if blob[0] != formatVersion {
		return nil, fmt.Errorf("sealed blob version %d is not supported", blob[0])
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], aad(blob[0], context))
	if err != nil {
		return nil, ErrKeyRejected
	}
	return plaintext, nil
}

func aad(version byte, context []byte) []byte {
	out := make([]byte, 1+len(context))
	out[0] = version
	copy(out[1:], context)
	return out
}

func deriveKEK(key models.Key, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(key, salt, p.Time, p.MemoryKiB, p.Threads, chacha20poly1305.KeySize)
}

func deriveImageKey(master []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, hkdfInfoImage)
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		zero(out)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return out, nil
}

// newSlot wraps master under key.
func newSlot(master []byte, key models.Key, p KDFParams) (keySlot, error) {
	salt, err := randomBytes(saltSize)
	if err != nil {
		return keySlot{}, err
	}
	kek := deriveKEK(key, salt, p)
	defer zero(kek)

	wrapped, err := seal(kek, master, slotAADContext)
	if err != nil {
		return keySlot{}, err
	}
	h := blake3.New()
	_, _ = h.Write([]byte(slotIDDomain))
	_, _ = h.Write(salt)
	_, _ = h.Write(wrapped)
	return keySlot{
		ID:      hex.EncodeToString(h.Sum(nil)[:8]),
		KDF:     p,
		Salt:    salt,
		Wrapped: wrapped,
	}, nil
}

// unwrap returns the master key if key opens the slot.
func (s keySlot) unwrap(key models.Key) ([]byte, error) {
	kek := deriveKEK(key, s.Salt, s.KDF)
	defer zero(kek)
	return open(kek, s.Wrapped, slotAADContext)
}

// unlock tries every slot and returns the master key and the index of the
// first slot key opens.
func (v *volume) unlock(key models.Key) ([]byte, int, error) {
	if key.IsEmpty() {
		return nil, -1, ErrKeyRejected
	}
	for i, s := range v.Slots {
		master, err := s.unwrap(key)
		if err == nil {
			return master, i, nil
		}
		if !errors.Is(err, ErrKeyRejected) {
			return nil, -1, err
		}
	}
	return nil, -1, ErrKeyRejected
}

// sealImage packs files into the sealed image.
func sealImage(master []byte, files map[string][]byte) ([]byte, error) {
	raw, err := encMode.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)

	key, err := deriveImageKey(master)
	if err != nil {
		return nil, err
	}
	defer zero(key)
	return seal(key, compressed, imageAADContext)
}

func openImage(master, sealed []byte) (map[string][]byte, error) {
	if len(sealed) == 0 {
		return map[string][]byte{}, nil
	}
	key, err := deriveImageKey(master)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	compressed, err := open(key, sealed, imageAADContext)
	if err != nil {
		return nil, fmt.Errorf("decrypting image: %w", err)
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	files := map[string][]byte{}
	if err := decMode.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return files, nil
}

func readVolume(path string) (*volume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v volume
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding volume header: %w", err)
	}
	if v.Version != formatVersion {
		return nil, fmt.Errorf("volume version %d is not supported", v.Version)
	}
	return &v, nil
}

// writeVolume replaces the volume file atomically.
func writeVolume(path string, v *volume) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding volume: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create volume directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp volume: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write volume: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync volume: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close volume: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod volume: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
