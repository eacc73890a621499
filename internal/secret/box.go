// Package secret 加密保存在数据库中的账户凭据
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrInvalidKey    = errors.New("secret key must be 32 bytes hex encoded")
	ErrDecryptFailed = errors.New("failed to decrypt secret")
)

// Box 使用NaCl secretbox加解密凭据
type Box struct {
	key [keySize]byte
}

// NewBox 从hex编码的32字节密钥创建Box
func NewBox(hexKey string) (*Box, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// GenerateKey 生成新的hex编码密钥
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key[:]), nil
}

// Seal 加密，输出为 nonce || ciphertext
func (b *Box) Seal(plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key), nil
}

// Open 解密Seal的输出。空输入返回空字符串
func (b *Box) Open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(out), nil
}
