// Package crypt encrypts backup archives with a passphrase using the age
// format, so archives stored on untrusted remotes cannot be read without it.
package crypt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Suffix is appended to the names of encrypted files.
const Suffix = ".age"

// header is the first line of every age file.
var header = []byte("age-encryption.org/v1")

// ErrEmptyPassphrase is returned when encryption is enabled without a passphrase.
var ErrEmptyPassphrase = errors.New("encryption passphrase cannot be empty")

// Encryptor encrypts and decrypts files with a single passphrase.
type Encryptor struct {
	passphrase string
	workFactor int
}

// New returns an Encryptor for passphrase.
func New(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return &Encryptor{passphrase: passphrase}, nil
}

// WithWorkFactor sets the scrypt work factor (log2 of N) used for new files.
// Lower values are faster and weaker.
func (e *Encryptor) WithWorkFactor(logN int) *Encryptor {
	e.workFactor = logN
	return e
}

// EncryptFile encrypts path into path+Suffix and removes the plaintext. It
// returns the path of the encrypted file.
func (e *Encryptor) EncryptFile(path string) (string, error) {
	recipient, err := age.NewScryptRecipient(e.passphrase)
	if err != nil {
		return "", fmt.Errorf("could not create recipient: %w", err)
	}
	if e.workFactor > 0 {
		recipient.SetWorkFactor(e.workFactor)
	}

	dst := path + Suffix
	err = transform(path, dst, func(in io.Reader, out io.Writer) error {
		w, err := age.Encrypt(out, recipient)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, in); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
	if err != nil {
		return "", fmt.Errorf("could not encrypt %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("could not remove plaintext %s: %w", path, err)
	}
	return dst, nil
}

// DecryptFile decrypts an encrypted file into the same path without Suffix and
// removes the encrypted file. It returns the path of the plaintext.
func (e *Encryptor) DecryptFile(path string) (string, error) {
	if !strings.HasSuffix(path, Suffix) {
		return "", fmt.Errorf("%s does not have the %s suffix", path, Suffix)
	}
	identity, err := age.NewScryptIdentity(e.passphrase)
	if err != nil {
		return "", fmt.Errorf("could not create identity: %w", err)
	}

	dst := strings.TrimSuffix(path, Suffix)
	err = transform(path, dst, func(in io.Reader, out io.Writer) error {
		r, err := age.Decrypt(in, identity)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, r)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("could not decrypt %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("could not remove encrypted file %s: %w", path, err)
	}
	return dst, nil
}

// IsEncrypted reports whether the file at path starts with an age header.
func IsEncrypted(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, len(header))
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return bytes.Equal(buf[:n], header), nil
}

// transform streams src through fn into a temp file that replaces dst on success.
func transform(src, dst string, fn func(io.Reader, io.Writer) error) (retErr error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := fn(bufio.NewReader(in), bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
