package db

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltLen = 16

// DeriveKey stretches password into a 32 byte key with argon2id. The salt is read from root/saltName,
// and is created on first use.
func DeriveKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadOrCreateSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadOrCreateSalt(saltPath string) ([]byte, error) {
	salt := make([]byte, saltLen)
	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if err == nil {
		defer f.Close()
		if _, err := io.ReadFull(f, salt); err != nil {
			return nil, fmt.Errorf("db: error reading salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err = os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	n, err := f.Write(salt)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if n != saltLen {
		_ = f.Close()
		return nil, fmt.Errorf("expected %d bytes, got %d", saltLen, n)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt, nil
}
