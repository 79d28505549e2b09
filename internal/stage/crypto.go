package stage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Object metadata keys of the client-side encryption envelope. An external
// stage created with the same MASTER_KEY decrypts files carrying them.
const (
	MetaKey = "x-amz-key"
	MetaIV  = "x-amz-iv"
)

// ParseMasterKey decodes a base64 AES key of 16, 24 or 32 bytes.
func ParseMasterKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("master key: %d bytes, want 16, 24 or 32", len(key))
}

// envelope is a fresh per-file key, wrapped with the master key.
type envelope struct {
	fileKey []byte
	iv      []byte
	meta    map[string]string
}

func newEnvelope(master []byte) (*envelope, error) {
	fileKey := make([]byte, len(master))
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(fileKey); err != nil {
		return nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	wrapped, err := ecbEncrypt(master, pkcs7Pad(fileKey))
	if err != nil {
		return nil, err
	}
	return &envelope{
		fileKey: fileKey,
		iv:      iv,
		meta: map[string]string{
			MetaKey: base64.StdEncoding.EncodeToString(wrapped),
			MetaIV:  base64.StdEncoding.EncodeToString(iv),
		},
	}, nil
}

// openEnvelope recovers the file key from object metadata.
func openEnvelope(master []byte, meta map[string]string) (*envelope, error) {
	wrapped, err := base64.StdEncoding.DecodeString(meta[MetaKey])
	if err != nil {
		return nil, fmt.Errorf("envelope key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(meta[MetaIV])
	if err != nil || len(iv) != aes.BlockSize {
		return nil, errors.New("envelope iv is invalid")
	}
	padded, err := ecbDecrypt(master, wrapped)
	if err != nil {
		return nil, err
	}
	fileKey, err := pkcs7Unpad(padded)
	if err != nil {
		return nil, fmt.Errorf("envelope key: %w", err)
	}
	return &envelope{fileKey: fileKey, iv: iv, meta: meta}, nil
}

func ecbEncrypt(key, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(src)%aes.BlockSize != 0 {
		return nil, errors.New("ecb: input not a multiple of the block size")
	}
	out := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
	}
	return out, nil
}

func ecbDecrypt(key, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(src) == 0 || len(src)%aes.BlockSize != 0 {
		return nil, errors.New("ecb: input not a multiple of the block size")
	}
	out := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
	}
	return out, nil
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, errors.New("bad padding")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}

// cbcWriter encrypts a stream with AES-CBC, padding the tail on Close.
type cbcWriter struct {
	w    io.Writer
	mode cipher.BlockMode
	buf  []byte
}

func newCBCWriter(w io.Writer, env *envelope) (*cbcWriter, error) {
	block, err := aes.NewCipher(env.fileKey)
	if err != nil {
		return nil, err
	}
	return &cbcWriter{w: w, mode: cipher.NewCBCEncrypter(block, env.iv)}, nil
}

func (c *cbcWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	n := len(c.buf) - len(c.buf)%aes.BlockSize
	if n == 0 {
		return len(p), nil
	}
	c.mode.CryptBlocks(c.buf[:n], c.buf[:n])
	if _, err := c.w.Write(c.buf[:n]); err != nil {
		return 0, err
	}
	c.buf = append(c.buf[:0], c.buf[n:]...)
	return len(p), nil
}

// Close writes the final padded block. It does not close the underlying writer.
func (c *cbcWriter) Close() error {
	tail := pkcs7Pad(c.buf)
	c.mode.CryptBlocks(tail, tail)
	c.buf = nil
	_, err := c.w.Write(tail)
	return err
}

// cbcReader decrypts an AES-CBC stream, holding back the last block until EOF
// so the padding can be stripped.
type cbcReader struct {
	r    io.Reader
	mode cipher.BlockMode
	in   []byte
	out  []byte
	eof  bool
}

func newCBCReader(r io.Reader, env *envelope) (*cbcReader, error) {
	block, err := aes.NewCipher(env.fileKey)
	if err != nil {
		return nil, err
	}
	return &cbcReader{r: r, mode: cipher.NewCBCDecrypter(block, env.iv)}, nil
}

func (c *cbcReader) Read(p []byte) (int, error) {
	for len(c.out) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		chunk := make([]byte, 32*1024)
		n, err := c.r.Read(chunk)
		c.in = append(c.in, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			c.eof = true
			if len(c.in)%aes.BlockSize != 0 {
				return 0, errors.New("cbc: truncated ciphertext")
			}
			if len(c.in) == 0 {
				return 0, errors.New("cbc: missing padding block")
			}
			c.mode.CryptBlocks(c.in, c.in)
			plain, perr := pkcs7Unpad(c.in)
			if perr != nil {
				return 0, perr
			}
			c.out, c.in = plain, nil
			break
		}
		if err != nil {
			return 0, err
		}
		// Keep at least one full block back: it may be the padded tail.
		ready := len(c.in) - len(c.in)%aes.BlockSize - aes.BlockSize
		if ready > 0 {
			dec := make([]byte, ready)
			c.mode.CryptBlocks(dec, c.in[:ready])
			c.out = dec
			c.in = append(c.in[:0], c.in[ready:]...)
		}
	}
	if len(c.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}
