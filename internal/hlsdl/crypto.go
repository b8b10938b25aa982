package hlsdl

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidKey means the fetched key material is not a usable AES-128 key.
var ErrInvalidKey = errors.New("invalid encryption key")

// normalizeKey accepts the two delivery forms seen in the wild: 16 raw key
// bytes, or a 32-character hex string of them.
func normalizeKey(raw []byte) ([]byte, error) {
	if len(raw) == aes.BlockSize {
		return raw, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 2*aes.BlockSize {
		if key, err := hex.DecodeString(trimmed); err == nil {
			return key, nil
		}
	}
	return nil, errors.Wrapf(ErrInvalidKey, "got %d key bytes", len(raw))
}

// decryptSegments decrypts every stored segment under the same concurrency
// limit as the download fan-out. Each segment is handled in isolation; the
// first failure aborts the job, since assembly needs every segment intact.
// The encrypted original is kept under an .encrypted suffix and the plaintext
// written beside it without an extension, letting the concat step prefer the
// decrypted form.
func decryptSegments(workDir string, key []byte, threads int) error {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return errors.Wrap(err, "list working directory")
	}

	var g errgroup.Group
	g.SetLimit(threads)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".ts" {
			continue
		}
		name := e.Name()
		g.Go(func() error {
			path := filepath.Join(workDir, name)
			data, err := os.ReadFile(path) // #nosec G304 - path is inside the job-owned work dir
			if err != nil {
				return errors.Wrapf(err, "read segment %s", name)
			}
			plain, err := decryptAES128CBC(data, key)
			if err != nil {
				return errors.Wrapf(err, "decrypt segment %s", name)
			}

			encryptedPath := strings.TrimSuffix(path, ".ts") + ".encrypted"
			if err := os.Rename(path, encryptedPath); err != nil {
				return errors.Wrapf(err, "stash encrypted segment %s", name)
			}
			plainPath := strings.TrimSuffix(path, ".ts")
			if err := os.WriteFile(plainPath, plain, 0o600); err != nil {
				return errors.Wrapf(err, "write decrypted segment %s", name)
			}
			return nil
		})
	}
	return g.Wait()
}

// decryptAES128CBC undoes the segment cipher: the first block of the stored
// bytes is that segment's IV, the rest is PKCS#7-padded ciphertext.
func decryptAES128CBC(data, key []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, errors.Wrapf(ErrInvalidKey, "key length %d", len(key))
	}
	if len(data) < 2*aes.BlockSize {
		return nil, errors.Errorf("segment too short for decryption (%d bytes)", len(data))
	}
	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Errorf("ciphertext length %d is not block aligned", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	return pkcs7Unpad(plain)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
