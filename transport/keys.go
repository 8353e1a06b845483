package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// RFC 9001 Section 5.2: the version 1 Initial salt.
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// packetKeys bundles the AEAD packet-protection key and the header
// protection cipher derived for one (direction, encryption level) pair.
// It is assigned interchangeably to a packetNumberSpace's opener and
// sealer fields (see transport/conn.go), so it must be usable in both
// roles; in this implementation the AEAD is symmetric between Open and
// Seal (crypto/cipher.AEAD already exposes both).
type packetKeys struct {
	aead cipher.AEAD
	iv   []byte
	hp   cipher.Block
}

func (k *packetKeys) nonce(pn uint64) []byte {
	nonce := make([]byte, len(k.iv))
	copy(nonce, k.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(pn >> (8 * i))
	}
	return nonce
}

// headerProtectionMask computes the 5-byte mask RFC 9001 Section 5.4
// applies to the first header byte (low bits) and the packet number.
func (k *packetKeys) headerProtectionMask(sample []byte) []byte {
	mask := make([]byte, k.hp.BlockSize())
	k.hp.Encrypt(mask, sample)
	return mask
}

type opener = *packetKeys
type sealer = *packetKeys

func deriveKeys(secret []byte) *packetKeys {
	keyLen := 16 // AES-128
	ivLen := 12
	hpLen := 16

	key := hkdfExpandLabel(secret, "quic key", keyLen)
	iv := hkdfExpandLabel(secret, "quic iv", ivLen)
	hpKey := hkdfExpandLabel(secret, "quic hp", hpLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	hpBlock, err := aes.NewCipher(hpKey)
	if err != nil {
		panic(err)
	}
	return &packetKeys{aead: aead, iv: iv, hp: hpBlock}
}

// nextUpdateSecret derives the next generation of a 1-RTT traffic secret
// from the current one, RFC 9001 Section 6.1's "quic ku" label (used for
// QUIC's in-band key update, distinct from a TLS KeyUpdate message).
func nextUpdateSecret(secret []byte) []byte {
	return hkdfExpandLabel(secret, "quic ku", len(secret))
}

// deriveUpdatedKeys derives the AEAD key/IV for a new key-update
// generation, reusing the header-protection cipher of the previous
// generation: RFC 9001 Section 6.1 updates only the packet-protection
// key and IV, the header-protection key never changes across a key
// update.
func deriveUpdatedKeys(secret []byte, hp cipher.Block) *packetKeys {
	key := hkdfExpandLabel(secret, "quic key", 16)
	iv := hkdfExpandLabel(secret, "quic iv", 12)
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return &packetKeys{aead: aead, iv: iv, hp: hp}
}

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label construction
// (RFC 8446 Section 7.1) used by RFC 9001 to derive packet protection
// keys from a secret, via golang.org/x/crypto/hkdf's Expand primitive.
func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1)
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, 0) // no context
	r := hkdf.Expand(sha256.New, secret, info)
	out := make([]byte, length)
	if _, err := r.Read(out); err != nil {
		panic(err)
	}
	return out
}

// initialAEAD derives the client/server Initial packet-protection keys
// from a connection ID, per RFC 9001 Section 5.2.
type initialAEAD struct {
	client *packetKeys
	server *packetKeys
}

// Fixed Retry Integrity key/nonce for AEAD_AES_128_GCM, RFC 9001
// Section 5.8 (version 1).
var (
	retryIntegrityKey   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryIntegrityNonce = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

type retryIntegrityKeys struct {
	aead cipher.AEAD
	iv   []byte
}

func deriveRetryIntegrityKeys() *retryIntegrityKeys {
	block, err := aes.NewCipher(retryIntegrityKey)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return &retryIntegrityKeys{aead: aead, iv: retryIntegrityNonce}
}

func (a *initialAEAD) init(dcid []byte) {
	extractor := hkdf.Extract(sha256.New, dcid, initialSaltV1)
	clientSecret := hkdfExpandLabel(extractor, "client in", sha256.Size)
	serverSecret := hkdfExpandLabel(extractor, "server in", sha256.Size)
	a.client = deriveKeys(clientSecret)
	a.server = deriveKeys(serverSecret)
}
