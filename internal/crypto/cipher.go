package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"crypto/sha256"
)

const (
	pbkdf2Iterations = 100_000
	keySize          = 32 // AES-256
	ivSize           = 16
	saltSize         = 16
	// associatedData is fixed per the wire format; it is not secret, it
	// only binds ciphertexts to this router so they can't be replayed
	// into an unrelated AEAD context.
	associatedData = "hookrelay-encrypted-headers-v1"
)

var (
	ErrDecryptFailed = errors.New("crypto: header decryption failed")
)

// EncryptedHeaders is the {encrypted, iv, tag, salt} wire format persisted
// in Event.HeadersData, all fields hex-encoded.
type EncryptedHeaders struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Salt      string `json:"salt"`
}

// HeaderCipher seals and opens the header bundle stored alongside an
// event, deriving a fresh AES-256-GCM key per call from a configured
// master secret and a random salt.
type HeaderCipher struct {
	masterSecret string
}

func NewHeaderCipher(masterSecret string) *HeaderCipher {
	return &HeaderCipher{masterSecret: masterSecret}
}

func (c *HeaderCipher) deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(c.masterSecret), salt, pbkdf2Iterations, keySize, sha256.New)
}

// Seal encrypts the given header map and returns its serialized
// {encrypted, iv, tag, salt} form, ready to store as Event.HeadersData.
func (c *HeaderCipher) Seal(headers map[string]string) (string, error) {
	plaintext, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal headers: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, iv, plaintext, []byte(associatedData))
	tagStart := len(sealed) - aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	enc := EncryptedHeaders{
		Encrypted: hex.EncodeToString(ciphertext),
		IV:        hex.EncodeToString(iv),
		Tag:       hex.EncodeToString(tag),
		Salt:      hex.EncodeToString(salt),
	}
	out, err := json.Marshal(enc)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal encrypted headers: %w", err)
	}
	return string(out), nil
}

// Open decrypts a serialized {encrypted, iv, tag, salt} bundle back into
// the original header map.
func (c *HeaderCipher) Open(data string) (map[string]string, error) {
	var enc EncryptedHeaders
	if err := json.Unmarshal([]byte(data), &enc); err != nil {
		return nil, fmt.Errorf("%w: malformed bundle: %v", ErrDecryptFailed, err)
	}

	salt, err := hex.DecodeString(enc.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt: %v", ErrDecryptFailed, err)
	}
	iv, err := hex.DecodeString(enc.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv: %v", ErrDecryptFailed, err)
	}
	ciphertext, err := hex.DecodeString(enc.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext: %v", ErrDecryptFailed, err)
	}
	tag, err := hex.DecodeString(enc.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag: %v", ErrDecryptFailed, err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	var headers map[string]string
	if err := json.Unmarshal(plaintext, &headers); err != nil {
		return nil, fmt.Errorf("%w: malformed plaintext: %v", ErrDecryptFailed, err)
	}
	return headers, nil
}

func (c *HeaderCipher) aead(salt []byte) (cipher.AEAD, error) {
	key := c.deriveKey(salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return aead, nil
}
