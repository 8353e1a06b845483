package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"time"
)

// Supported QUIC versions: version 1 plus the draft versions interop
// testing against other implementations needs, and a Microsoft-specific
// value used by msquic's own interop matrix.
const (
	VersionDraft27 = 0xff00001b
	VersionDraft28 = 0xff00001c
	VersionDraft29 = 0xff00001d
	VersionMsQuic  = 0xabcd0000 // MsQuic experimental version tag
)

// SupportedVersions lists every version this implementation's Binding
// should offer in a Version Negotiation packet.
var SupportedVersions = []uint32{Version1, VersionDraft29, VersionDraft28, VersionDraft27, VersionMsQuic}

func versionSupported(v uint32) bool {
	for _, sv := range SupportedVersions {
		if sv == v {
			return true
		}
	}
	return false
}

// PeekDestinationCID extracts the destination connection ID from a raw
// datagram without requiring decryption keys: it validates only the
// invariant header (version-independent fields: first byte,
// dest-cid-length, dest-cid). shortDCIDLen is the destination CID
// length this Binding expects on short-header packets, since short
// headers never repeat the length on the wire.
func PeekDestinationCID(b []byte, shortDCIDLen int) ([]byte, error) {
	if len(b) < 1 {
		return nil, newError(ProtocolViolation, "short packet header")
	}
	if b[0]&0x80 == 0 {
		if shortDCIDLen > MaxCIDLength || len(b) < 1+shortDCIDLen {
			return nil, newError(ProtocolViolation, "short header truncated")
		}
		return b[1 : 1+shortDCIDLen], nil
	}
	if len(b) < 6 {
		return nil, newError(ProtocolViolation, "long header truncated")
	}
	dcid, _, err := decodeCID(b[5:])
	return dcid, err
}

// PublicHeader is the subset of a long-header packet's framing a Binding
// may inspect before any keys exist: version and both connection IDs.
type PublicHeader struct {
	Version uint32
	DCID    []byte
	SCID    []byte
	IsLong  bool
	IsInitial bool
}

// PeekPublicHeader parses the version-independent fields of a datagram's
// first packet, used by the Binding to decide between "is this a known
// CID", "do we need a Retry", and "is the version supported" before any
// connection exists.
func PeekPublicHeader(b []byte, shortDCIDLen int) (PublicHeader, int, error) {
	var h PublicHeader
	if len(b) < 1 {
		return h, 0, newError(ProtocolViolation, "short packet header")
	}
	if b[0]&0x80 == 0 {
		dcid, err := PeekDestinationCID(b, shortDCIDLen)
		if err != nil {
			return h, 0, err
		}
		h.DCID = dcid
		return h, 1 + shortDCIDLen, nil
	}
	h.IsLong = true
	h.Version = binary.BigEndian.Uint32(b[1:5])
	h.IsInitial = h.Version != 0 && (b[0]&0x30)>>4 == 0
	n := 5
	dcid, n2, err := decodeCID(b[n:])
	if err != nil {
		return h, 0, err
	}
	h.DCID = dcid
	n += n2
	scid, n3, err := decodeCID(b[n:])
	if err != nil {
		return h, 0, err
	}
	h.SCID = scid
	n += n3
	return h, n, nil
}

// BuildVersionNegotiation encodes a Version Negotiation packet offering
// SupportedVersions, RFC 9000 Section 17.2.1. The reserved first byte's
// top bit is set per the RFC; the remaining bits are arbitrary (here a
// fixed 0xc0, matching common implementations' practice of not spending
// entropy on a field peers must ignore).
func BuildVersionNegotiation(dcid, scid []byte) []byte {
	b := make([]byte, 0, 7+len(dcid)+len(scid)+4*len(SupportedVersions))
	b = append(b, 0xc0)
	b = append(b, 0, 0, 0, 0) // version = 0 identifies Version Negotiation
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	for _, v := range SupportedVersions {
		b = append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return b
}

// retryTokenAEAD derives a key/nonce-base pair for stateless retry
// tokens from a server-chosen, process-lifetime secret, the same
// HKDF-over-AES-GCM construction transport/keys.go already uses for
// packet protection and the Retry integrity tag (RFC 9001 Section 5.8
// is the closest RFC precedent for "AEAD-seal an opaque server record").
func retryTokenAEAD(secret []byte) cipher.AEAD {
	key := hkdfExpandLabel(secret, "retry token", 16)
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead
}

// Token kinds: a Retry token proves the client just echoed a server
// challenge and carries the pre-retry DCID; an address token (NEW_TOKEN)
// only proves the address was valid on an earlier connection. The kind
// byte is sealed into the record so one can never pass as the other.
const (
	tokenKindRetry   = 1
	tokenKindAddress = 2
)

// SealRetryToken builds the AEAD-sealed token record of (client IP,
// original DCID, issue-time). clientAddr is the caller's serialized
// remote-address bytes (IP ++ port), kept opaque here so this package
// stays free of a net.Addr dependency.
func SealRetryToken(secret, clientAddr, odcid []byte, issued time.Time, nonce []byte) []byte {
	return sealToken(tokenKindRetry, secret, clientAddr, odcid, issued, nonce)
}

// SealAddressToken builds the AEAD-sealed record behind a NEW_TOKEN
// frame: (client IP, issue-time), with no DCID binding.
func SealAddressToken(secret, clientAddr []byte, issued time.Time, nonce []byte) []byte {
	return sealToken(tokenKindAddress, secret, clientAddr, nil, issued, nonce)
}

func sealToken(kind byte, secret, clientAddr, odcid []byte, issued time.Time, nonce []byte) []byte {
	aead := retryTokenAEAD(secret)
	plain := make([]byte, 0, 1+8+1+len(odcid)+len(clientAddr))
	plain = append(plain, kind)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(issued.Unix()))
	plain = append(plain, tsBuf[:]...)
	plain = append(plain, byte(len(odcid)))
	plain = append(plain, odcid...)
	plain = append(plain, clientAddr...)
	sealed := aead.Seal(nil, nonce, plain, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out
}

// OpenRetryToken validates and unpacks a token sealed by SealRetryToken.
// A subsequent Initial whose token decrypts and validates is accepted;
// otherwise it is rejected or re-retried per policy.
func OpenRetryToken(secret, token, clientAddr []byte, maxAge time.Duration, now time.Time) (odcid []byte, issued time.Time, ok bool) {
	return openToken(tokenKindRetry, secret, token, clientAddr, maxAge, now)
}

// OpenAddressToken validates a token sealed by SealAddressToken.
func OpenAddressToken(secret, token, clientAddr []byte, maxAge time.Duration, now time.Time) (issued time.Time, ok bool) {
	_, issued, ok = openToken(tokenKindAddress, secret, token, clientAddr, maxAge, now)
	return issued, ok
}

func openToken(kind byte, secret, token, clientAddr []byte, maxAge time.Duration, now time.Time) (odcid []byte, issued time.Time, ok bool) {
	aead := retryTokenAEAD(secret)
	nonceLen := aead.NonceSize()
	if len(token) < nonceLen {
		return nil, time.Time{}, false
	}
	nonce, sealed := token[:nonceLen], token[nonceLen:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil || len(plain) < 10 || plain[0] != kind {
		return nil, time.Time{}, false
	}
	ts := time.Unix(int64(binary.BigEndian.Uint64(plain[1:9])), 0)
	odcidLen := int(plain[9])
	if len(plain) < 10+odcidLen+len(clientAddr) {
		return nil, time.Time{}, false
	}
	gotODCID := plain[10 : 10+odcidLen]
	gotAddr := plain[10+odcidLen:]
	if string(gotAddr) != string(clientAddr) {
		return nil, time.Time{}, false
	}
	if now.Sub(ts) > maxAge {
		return nil, time.Time{}, false
	}
	return gotODCID, ts, true
}

// RetryIntegrityTag computes the RFC 9001 Section 5.8 Retry integrity
// tag over a Retry packet's pseudo-header so the Binding can emit a
// self-standing Retry packet without constructing a transport.Conn.
func RetryIntegrityTag(pseudoPacket, originalDCID []byte) []byte {
	k := deriveRetryIntegrityKeys()
	buf := make([]byte, 0, 1+len(originalDCID)+len(pseudoPacket))
	buf = append(buf, byte(len(originalDCID)))
	buf = append(buf, originalDCID...)
	buf = append(buf, pseudoPacket...)
	return k.aead.Seal(nil, k.iv, nil, buf)
}
