// Package decrypt implements AES-128-CBC segment decryption as used by HLS.
package decrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/agleyzer/hlsplay/internal/hlserr"
)

// KeySize is the AES-128 key and IV length in bytes.
const KeySize = aes.BlockSize

// Decrypt decrypts one segment with AES-128-CBC and strips PKCS#7 padding.
// It never returns the ciphertext on failure.
func Decrypt(ciphertext []byte, key, iv [KeySize]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, decryptionError("empty ciphertext")
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, decryptionError(fmt.Sprintf("ciphertext length %d is not a multiple of %d", len(ciphertext), aes.BlockSize))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, hlserr.New(hlserr.KindDecryption, "", "create cipher", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plaintext, ciphertext)

	n, err := unpad(plaintext)
	if err != nil {
		return nil, err
	}
	return plaintext[:n], nil
}

// Encrypt pads plaintext with PKCS#7 and encrypts it with AES-128-CBC.
func Encrypt(plaintext []byte, key, iv [KeySize]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	copy(padded[len(plaintext):], bytes.Repeat([]byte{byte(pad)}, pad))

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// unpad validates PKCS#7 padding and returns the unpadded length.
func unpad(b []byte) (int, error) {
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize {
		return 0, decryptionError(fmt.Sprintf("invalid padding length %d", pad))
	}

	for _, v := range b[len(b)-pad:] {
		if int(v) != pad {
			return 0, decryptionError("invalid padding bytes")
		}
	}
	return len(b) - pad, nil
}

func decryptionError(msg string) error {
	return hlserr.New(hlserr.KindDecryption, "", msg, nil)
}
