package transport

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenSecret = []byte("0123456789abcdef0123456789abcdef")
	tokenNonce  = []byte("0123456789ab")
)

func TestRetryTokenRoundTrip(t *testing.T) {
	clientAddr := []byte{192, 0, 2, 1, 0x1f, 0x90}
	odcid := []byte{0xaa, 0xbb, 0xcc}
	issued := time.Now()

	token := SealRetryToken(tokenSecret, clientAddr, odcid, issued, tokenNonce)
	got, _, ok := OpenRetryToken(tokenSecret, token, clientAddr, time.Minute, issued.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, odcid, got)
}

func TestRetryTokenRejectsWrongAddress(t *testing.T) {
	clientAddr := []byte{192, 0, 2, 1, 0x1f, 0x90}
	token := SealRetryToken(tokenSecret, clientAddr, []byte{1}, time.Now(), tokenNonce)

	other := []byte{192, 0, 2, 2, 0x1f, 0x90}
	_, _, ok := OpenRetryToken(tokenSecret, token, other, time.Minute, time.Now())
	assert.False(t, ok)
}

func TestRetryTokenRejectsExpired(t *testing.T) {
	clientAddr := []byte{10, 0, 0, 1, 0, 80}
	issued := time.Now()
	token := SealRetryToken(tokenSecret, clientAddr, []byte{1}, issued, tokenNonce)

	_, _, ok := OpenRetryToken(tokenSecret, token, clientAddr, time.Second, issued.Add(time.Hour))
	assert.False(t, ok)
}

func TestAddressTokenIsNotARetryToken(t *testing.T) {
	clientAddr := []byte{10, 0, 0, 1, 0, 80}
	issued := time.Now()

	addrToken := SealAddressToken(tokenSecret, clientAddr, issued, tokenNonce)
	_, ok := OpenAddressToken(tokenSecret, addrToken, clientAddr, time.Hour, issued)
	require.True(t, ok)

	// The kind byte is sealed in: an address token must never validate as
	// a Retry token (which would let it smuggle in an original DCID).
	_, _, ok2 := OpenRetryToken(tokenSecret, addrToken, clientAddr, time.Hour, issued)
	assert.False(t, ok2)

	retryToken := SealRetryToken(tokenSecret, clientAddr, []byte{1}, issued, tokenNonce)
	_, ok3 := OpenAddressToken(tokenSecret, retryToken, clientAddr, time.Hour, issued)
	assert.False(t, ok3)
}

func TestPeekDestinationCIDLongHeader(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b := []byte{0xc0, 0, 0, 0, 1, byte(len(dcid))}
	b = append(b, dcid...)
	b = append(b, 0) // scid length

	got, err := PeekDestinationCID(b, 8)
	require.NoError(t, err)
	assert.Equal(t, dcid, got)
}

func TestPeekDestinationCIDShortHeader(t *testing.T) {
	dcid := []byte{9, 8, 7, 6, 5, 4, 3, 2}
	b := append([]byte{0x40}, dcid...)
	b = append(b, 0xff) // packet number byte

	got, err := PeekDestinationCID(b, len(dcid))
	require.NoError(t, err)
	assert.Equal(t, dcid, got)
}

func TestBuildVersionNegotiationCarriesSupportedVersions(t *testing.T) {
	dcid := []byte{1, 2}
	scid := []byte{3, 4}
	pkt := BuildVersionNegotiation(dcid, scid)

	require.Greater(t, len(pkt), 7+len(dcid)+len(scid))
	assert.NotZero(t, pkt[0]&0x80, "long header bit must be set")
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(pkt[1:5]), "version 0 identifies Version Negotiation")

	// Every supported version must appear in the offered list.
	offered := pkt[7+len(dcid)+len(scid):]
	require.Zero(t, len(offered)%4)
	got := make(map[uint32]bool)
	for i := 0; i < len(offered); i += 4 {
		got[binary.BigEndian.Uint32(offered[i:i+4])] = true
	}
	for _, v := range SupportedVersions {
		assert.True(t, got[v], "version 0x%x missing from VN packet", v)
	}
}
