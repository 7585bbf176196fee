package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
)

// KeySize is the size of SMB2 signing keys
const KeySize = 16

var (
	ErrEmptyKey         = errors.New("signing key is empty")
	ErrUnknownAlgorithm = errors.New("unknown signing algorithm")
)

// NewSigner creates the signer for the given algorithm name (see the
// SigningAlg constants in the common package)
func NewSigner(algorithm string, key []byte) (transport.ISigner, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	switch algorithm {
	case "", common.SigningAlgHMACSHA256:
		return NewHMACSigner(key), nil
	case common.SigningAlgAESCMAC:
		return NewCMACSigner(key)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
}

// --------------------------------------------------------------------------
// HMAC-SHA256 (SMB 2.x)
// --------------------------------------------------------------------------

// HMACSigner signs messages with HMAC-SHA256 truncated to 16 bytes
type HMACSigner struct {
	key [KeySize]byte
}

// NewHMACSigner creates an HMACSigner. The key is padded or truncated to 16 bytes.
func NewHMACSigner(sessionKey []byte) *HMACSigner {
	s := &HMACSigner{}
	copy(s.key[:], sessionKey)
	return s
}

func (s *HMACSigner) Sign(frags [][]byte, _ uint64) [common.SignatureSize]byte {
	var sig [common.SignatureSize]byte
	mac := hmac.New(sha256.New, s.key[:])
	if !writeMessage(mac, frags) {
		return sig
	}
	copy(sig[:], mac.Sum(nil))
	return sig
}

func (s *HMACSigner) Verify(msg []byte, mid uint64) bool {
	return verify(s, msg, mid)
}

// --------------------------------------------------------------------------
// AES-128-CMAC (SMB 3.x), RFC 4493
// --------------------------------------------------------------------------

// CMACSigner signs messages with AES-128-CMAC
type CMACSigner struct {
	block  cipher.Block
	k1, k2 [aes.BlockSize]byte
}

// NewCMACSigner creates a CMACSigner from a 16 byte signing key
func NewCMACSigner(key []byte) (*CMACSigner, error) {
	var k [KeySize]byte
	copy(k[:], key)
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	s := &CMACSigner{block: block}

	// subkey generation
	var l [aes.BlockSize]byte
	block.Encrypt(l[:], l[:])
	s.k1 = shiftLeft(l)
	if l[0]&0x80 != 0 {
		s.k1[aes.BlockSize-1] ^= 0x87
	}
	s.k2 = shiftLeft(s.k1)
	if s.k1[0]&0x80 != 0 {
		s.k2[aes.BlockSize-1] ^= 0x87
	}
	return s, nil
}

func (s *CMACSigner) Sign(frags [][]byte, _ uint64) [common.SignatureSize]byte {
	var sig [common.SignatureSize]byte
	h := &cmacHash{s: s}
	if !writeMessage(h, frags) {
		return sig
	}
	copy(sig[:], h.Sum(nil))
	return sig
}

func (s *CMACSigner) Verify(msg []byte, mid uint64) bool {
	return verify(s, msg, mid)
}

// cmacHash computes the CMAC incrementally over written data
type cmacHash struct {
	s   *CMACSigner
	x   [aes.BlockSize]byte // running state
	buf [aes.BlockSize]byte // pending, not yet processed block
	n   int
}

func (h *cmacHash) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		// the last block must stay pending, so flush only when more data follows
		if h.n == aes.BlockSize {
			for i := range h.x {
				h.x[i] ^= h.buf[i]
			}
			h.s.block.Encrypt(h.x[:], h.x[:])
			h.n = 0
		}
		c := copy(h.buf[h.n:], p)
		h.n += c
		p = p[c:]
	}
	return written, nil
}

func (h *cmacHash) Sum(b []byte) []byte {
	var last [aes.BlockSize]byte
	if h.n == aes.BlockSize {
		for i := range last {
			last[i] = h.buf[i] ^ h.s.k1[i]
		}
	} else {
		copy(last[:], h.buf[:h.n])
		last[h.n] = 0x80
		for i := range last {
			last[i] ^= h.s.k2[i]
		}
	}
	var out [aes.BlockSize]byte
	for i := range out {
		out[i] = h.x[i] ^ last[i]
	}
	h.s.block.Encrypt(out[:], out[:])
	return append(b, out[:]...)
}

func shiftLeft(in [aes.BlockSize]byte) [aes.BlockSize]byte {
	var out [aes.BlockSize]byte
	var carry byte
	for i := aes.BlockSize - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	return out
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

var zeroSignature [common.SignatureSize]byte

// writeMessage feeds the message made of frags into w with the signature
// field treated as zero. It returns false if the first fragment does not
// hold a complete header.
func writeMessage(w interface{ Write([]byte) (int, error) }, frags [][]byte) bool {
	if len(frags) == 0 || len(frags[0]) < common.HeaderSize {
		return false
	}
	first := frags[0]
	_, _ = w.Write(first[:common.SignatureOffset])
	_, _ = w.Write(zeroSignature[:])
	_, _ = w.Write(first[common.HeaderSize:])
	for _, f := range frags[1:] {
		_, _ = w.Write(f)
	}
	return true
}

// verify compares the embedded signature with a freshly computed one in constant time
func verify(s transport.ISigner, msg []byte, mid uint64) bool {
	if len(msg) < common.HeaderSize {
		return false
	}
	expected := s.Sign([][]byte{msg}, mid)
	return subtle.ConstantTimeCompare(msg[common.SignatureOffset:common.HeaderSize], expected[:]) == 1
}
