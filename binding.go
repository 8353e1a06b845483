package quic

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/goburrow/quicframe/internal/metrics"
	"github.com/goburrow/quicframe/transport"
)

// shortHeaderCIDLength is the length this implementation uses for every
// source CID it issues, and therefore the destination CID length it
// must assume when peeking a short-header packet's invariant fields:
// the length is never repeated on short headers.
const shortHeaderCIDLength = 8

// retryMemoryLimit is the Lookup table size past which a server Binding
// starts demanding address validation via Retry rather than accepting
// an Initial outright.
const retryMemoryLimit = 4096

const retryTokenMaxAge = 10 * time.Second

// addressTokenMaxAge bounds how long a NEW_TOKEN value keeps proving an
// address; long enough to span typical resumption, short enough that a
// stale token cannot serve as an indefinite amplification bypass.
const addressTokenMaxAge = 24 * time.Hour

// Binding is one UDP endpoint, demultiplexing incoming datagrams to
// connections by CID. It uses golang.org/x/net's ipv4/ipv6 packet-conn
// wrappers instead of a raw net.UDPConn, because only they expose the
// ECN codepoint and TOS byte per datagram that path validation and
// congestion signaling need to see.
type Binding struct {
	ep *Endpoint

	udpConn *net.UDPConn
	pconn4  *ipv4.PacketConn
	pconn6  *ipv6.PacketConn
	isV6    bool

	isServer    bool
	retrySecret []byte
	acceptFn    func(b *Binding, data []byte, hdr transport.PublicHeader, addr remoteAddrInfo, odcid []byte)

	closing chan struct{}
	wg      sync.WaitGroup
}

// bind implements the bind(local_addr, share_mode) operation.
// share_mode (SO_REUSEPORT-style multiple Bindings on one port) is not
// implemented: one Binding owns its port exclusively, which is
// sufficient for the single-process Client/Server this module ships.
func bind(ep *Endpoint, localAddr string, isServer bool) (*Binding, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(udpAddr.Network(), udpAddr)
	if err != nil {
		return nil, err
	}
	b := &Binding{
		ep:       ep,
		udpConn:  conn,
		isServer: isServer,
		closing:  make(chan struct{}),
	}
	if udpAddr.IP != nil && udpAddr.IP.To4() == nil {
		b.isV6 = true
		b.pconn6 = ipv6.NewPacketConn(conn)
		_ = b.pconn6.SetControlMessage(ipv6.FlagTrafficClass, true)
	} else {
		b.pconn4 = ipv4.NewPacketConn(conn)
		_ = b.pconn4.SetControlMessage(ipv4.FlagTOS, true)
	}
	if isServer {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		b.retrySecret = secret
	}
	b.wg.Add(1)
	go b.receiveLoop()
	return b, nil
}

// LocalAddr returns the bound local address.
func (b *Binding) LocalAddr() net.Addr { return b.udpConn.LocalAddr() }

// Close implements the close operation.
func (b *Binding) Close() error {
	close(b.closing)
	err := b.udpConn.Close()
	b.wg.Wait()
	return err
}

// receiveLoop implements the receive(datagram_batch) operation: for each
// datagram, peek the invariant header, look the destination CID up, and
// either enqueue onto the owning connection or hand it to unknown-CID
// handling. It never drives Connection work synchronously — enqueueChain
// only pushes an operation and wakes the Worker.
func (b *Binding) receiveLoop() {
	defer b.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-b.closing:
			return
		default:
		}
		n, ecn, tos, remote, err := b.readFrom(buf)
		if err != nil {
			select {
			case <-b.closing:
				return
			default:
				continue
			}
		}
		data := append([]byte(nil), buf[:n]...)
		addr := remoteAddrInfo{
			local:     b.LocalAddr(),
			remote:    remote,
			ecn:       ecn,
			tos:       tos,
			arrivedAt: time.Now(),
		}
		b.handleDatagram(data, addr)
	}
}

func (b *Binding) readFrom(buf []byte) (n int, ecn, tos uint8, remote net.Addr, err error) {
	if b.isV6 {
		var cm *ipv6.ControlMessage
		n, cm, remote, err = b.pconn6.ReadFrom(buf)
		if cm != nil {
			tos = uint8(cm.TrafficClass)
			ecn = tos & 0x3
		}
		return
	}
	var cm *ipv4.ControlMessage
	n, cm, remote, err = b.pconn4.ReadFrom(buf)
	if cm != nil {
		tos = uint8(cm.TOS)
		ecn = tos & 0x3
	}
	return
}

// handleDatagram is the per-datagram demultiplex step: drop malformed
// datagrams silently, otherwise look the connection up or route to
// unknown-CID handling (version negotiation / stateless retry /
// stateless reset).
func (b *Binding) handleDatagram(data []byte, addr remoteAddrInfo) {
	const minDatagramLen = 1
	if len(data) < minDatagramLen {
		b.dropped("too_short")
		return
	}
	hdr, _, err := transport.PeekPublicHeader(data, shortHeaderCIDLength)
	if err != nil {
		b.dropped("bad_header")
		return
	}
	if len(hdr.DCID) > transport.MaxCIDLength {
		b.dropped("cid_too_long")
		return
	}
	if !hdr.IsLong && len(hdr.DCID) < shortHeaderCIDLength {
		b.dropped("short_header_cid_too_short")
		return
	}

	if rc, ok := b.ep.lookup.Get(hdr.DCID); ok {
		rc.enqueueChain([][]byte{data}, addr)
		rc.unref(refLookupResult)
		return
	}

	if !b.isServer {
		// Client Bindings never originate new connections from an
		// unsolicited datagram; an unknown CID here is either a stale
		// retransmission after the connection was freed, or a stateless
		// reset the connection is no longer around to recognize.
		b.dropped("unknown_cid")
		return
	}
	b.handleUnknownServer(data, hdr, addr)
}

// handleUnknownServer runs when no connection owns the destination CID:
// negotiate a version, validate the client's address via Retry, or
// accept the Initial outright, per server policy.
func (b *Binding) handleUnknownServer(data []byte, hdr transport.PublicHeader, addr remoteAddrInfo) {
	if !hdr.IsLong {
		// Short header with an unrecognized CID and we're a server: not
		// enough state to do anything but drop. No stateless reset is
		// sent: minting one needs the original SCID's reset token, which
		// only existed if we once owned this connection.
		b.dropped("unknown_cid")
		return
	}
	if !versionSupported(hdr.Version) {
		pkt := transport.BuildVersionNegotiation(hdr.SCID, hdr.DCID)
		_ = b.send(pkt, addr)
		return
	}
	if !hdr.IsInitial {
		b.dropped("no_conn_for_non_initial")
		return
	}
	if len(data) < transport.MinInitialPacketSize {
		b.dropped("short_initial")
		return
	}
	if b.acceptFn == nil {
		b.dropped("no_server_attached")
		return
	}

	token := initialToken(data)
	clientAddr := addrBytes(addr.remote)
	if len(token) > 0 {
		if odcid, _, ok := transport.OpenRetryToken(b.retrySecret, token, clientAddr, retryTokenMaxAge, time.Now()); ok {
			b.acceptFn(b, data, hdr, addr, odcid)
			return
		}
		// A NEW_TOKEN from an earlier connection proves the address
		// without a retry round trip; passing the client's offered DCID
		// as the original DCID marks the address validated.
		if _, ok := transport.OpenAddressToken(b.retrySecret, token, clientAddr, addressTokenMaxAge, time.Now()); ok {
			b.acceptFn(b, data, hdr, addr, hdr.DCID)
			return
		}
		b.dropped("bad_retry_token")
		return
	}
	if b.ep.lookup.Len() < retryMemoryLimit {
		// No retry required yet: accept directly. The connection takes
		// the original DCID from the Initial itself, and the address
		// stays unvalidated (anti-amplification limit applies) until a
		// Handshake packet arrives.
		b.acceptFn(b, data, hdr, addr, nil)
		return
	}
	b.sendRetry(hdr, addr)
}

// sendRetry implements stateless retry: the retry token is an
// AEAD-sealed record of (client IP, original DCID, issue-time).
func (b *Binding) sendRetry(hdr transport.PublicHeader, addr remoteAddrInfo) {
	newSCID := make([]byte, shortHeaderCIDLength)
	if _, err := rand.Read(newSCID); err != nil {
		return
	}
	clientAddr := addrBytes(addr.remote)
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return
	}
	token := transport.SealRetryToken(b.retrySecret, clientAddr, hdr.DCID, time.Now(), nonce)

	pkt := make([]byte, 0, 7+len(hdr.SCID)+len(newSCID)+len(token)+16)
	pkt = append(pkt, 0xf0) // long header, type=Retry (fixed bit set)
	pkt = append(pkt, byte(transport.Version1>>24), byte(transport.Version1>>16), byte(transport.Version1>>8), byte(transport.Version1))
	pkt = append(pkt, byte(len(hdr.SCID)))
	pkt = append(pkt, hdr.SCID...)
	pkt = append(pkt, byte(len(newSCID)))
	pkt = append(pkt, newSCID...)
	pkt = append(pkt, token...)
	tag := transport.RetryIntegrityTag(pkt, hdr.DCID)
	pkt = append(pkt, tag...)
	_ = b.send(pkt, addr)
}

// send implements the send(datagram) operation. Outgoing datagrams carry
// no ECN marking (codepoint 0).
func (b *Binding) send(datagram []byte, addr remoteAddrInfo) error {
	if b.isV6 {
		_, err := b.pconn6.WriteTo(datagram, nil, addr.remote)
		return err
	}
	_, err := b.pconn4.WriteTo(datagram, nil, addr.remote)
	return err
}

func (b *Binding) dropped(reason string) {
	if b.ep.metrics != nil {
		b.ep.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

func versionSupported(v uint32) bool {
	for _, sv := range transport.SupportedVersions {
		if sv == v {
			return true
		}
	}
	return false
}

// initialToken extracts an Initial packet's token field for retry
// validation. Initial packets carry a variable-length token right after
// the two connection IDs (RFC 9000 Section 17.2.2); decoding it fully
// needs the varint-length reader package transport already has internally,
// so this walks the wire bytes directly rather than duplicating that
// unexported decoder.
func initialToken(data []byte) []byte {
	if len(data) < 6 {
		return nil
	}
	n := 5
	dcidLen := int(data[n])
	n += 1 + dcidLen
	if n >= len(data) {
		return nil
	}
	scidLen := int(data[n])
	n += 1 + scidLen
	if n >= len(data) {
		return nil
	}
	tokenLen, consumed := decodeVarintPeek(data[n:])
	if consumed == 0 {
		return nil
	}
	n += consumed
	if n+int(tokenLen) > len(data) {
		return nil
	}
	return data[n : n+int(tokenLen)]
}

// decodeVarintPeek is a self-contained QUIC varint decoder (RFC 9000
// Section 16) for the one pre-connection field (token length) the
// Binding must read before any transport.Conn exists to decode it.
func decodeVarintPeek(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch b[0] >> 6 {
	case 0:
		return uint64(b[0] & 0x3f), 1
	case 1:
		if len(b) < 2 {
			return 0, 0
		}
		return uint64(b[0]&0x3f)<<8 | uint64(b[1]), 2
	case 2:
		if len(b) < 4 {
			return 0, 0
		}
		return uint64(b[0]&0x3f)<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3]), 4
	default:
		if len(b) < 8 {
			return 0, 0
		}
		var v uint64
		v = uint64(b[0] & 0x3f)
		for i := 1; i < 8; i++ {
			v = v<<8 | uint64(b[i])
		}
		return v, 8
	}
}

func addrBytes(a net.Addr) []byte {
	udpAddr, ok := a.(*net.UDPAddr)
	if !ok {
		return []byte(a.String())
	}
	out := append([]byte(nil), udpAddr.IP...)
	out = append(out, byte(udpAddr.Port>>8), byte(udpAddr.Port))
	return out
}

var _ = metrics.CIDPrefix // referenced elsewhere; keeps goimports grouping stable
