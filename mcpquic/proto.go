// Package mcpquic carries MCP sessions over dedicated QUIC connections.
//
// The wire contract is small: the client dials with ALPN "mcp-quic-v1",
// opens one bidirectional stream, writes four magic bytes ("MCP1") and then
// speaks line-delimited JSON-RPC over that stream. The magic bytes let the
// server reject stray HTTP/3 and random UDP probes before handing the
// stream to the MCP SDK.
package mcpquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocolMCP is the ALPN token negotiated during the QUIC handshake.
	ALPNProtocolMCP = "mcp-quic-v1"

	// MagicBytesMCP is written by the client as the first bytes of the
	// stream, before any JSON-RPC traffic.
	MagicBytesMCP = "MCP1"

	// MaxMessageSize is the documented cap on a single JSON-RPC message.
	// Peers that need to move more data should use multiple tool calls.
	MaxMessageSize = 10 * 1024 * 1024

	// DefaultIdleTimeout closes connections with no activity. Keep-alives
	// from either side reset it, so only dead peers hit the limit.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultKeepAlive is the ping interval that keeps NAT bindings and
	// idle sessions alive.
	DefaultKeepAlive = 30 * time.Second
)

// Application-level QUIC close codes. Sent in CONNECTION_CLOSE frames so the
// peer can tell a clean shutdown from a protocol mismatch.
const (
	ConnErrorNoError           quic.ApplicationErrorCode = 0x00
	ConnErrorInternal          quic.ApplicationErrorCode = 0x01
	ConnErrorUnsupportedALPN   quic.ApplicationErrorCode = 0x02
	ConnErrorProtocolViolation quic.ApplicationErrorCode = 0x03
)

// StreamErrorProtocolConfusion resets a stream whose first bytes were not
// the MCP magic, typically an HTTP client that found the UDP port.
const StreamErrorProtocolConfusion quic.StreamErrorCode = 0x01

var (
	ErrInvalidMagicBytes = errors.New("mcpquic: invalid magic bytes")
	ErrUnsupportedALPN   = errors.New("mcpquic: unsupported ALPN protocol")
	ErrConnectionClosed  = errors.New("mcpquic: connection closed")
)

// ConnectionError reports a connection-level failure together with the QUIC
// close code that was sent to the peer.
type ConnectionError struct {
	RemoteAddr string
	Code       quic.ApplicationErrorCode
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpquic: connection %s closed (%#04x): %v", e.RemoteAddr, uint64(e.Code), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendMagicBytes writes the protocol preamble. Clients call it right after
// opening the stream, before the MCP handshake.
func SendMagicBytes(w io.Writer) error {
	if _, err := io.WriteString(w, MagicBytesMCP); err != nil {
		return fmt.Errorf("mcpquic: send magic bytes: %w", err)
	}
	return nil
}

// ValidateMagicBytes consumes the preamble from r and rejects anything that
// is not exactly MagicBytesMCP. On error the caller should reset the stream
// with StreamErrorProtocolConfusion.
func ValidateMagicBytes(r io.Reader) error {
	buf := make([]byte, len(MagicBytesMCP))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMagicBytes, err)
	}
	if string(buf) != MagicBytesMCP {
		return fmt.Errorf("%w: got %q", ErrInvalidMagicBytes, string(buf))
	}
	return nil
}

// ProductionQUICConfig returns the QUIC tuning both sides use. 0-RTT stays
// off: replayable early data and tool calls with side effects do not mix.
func ProductionQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  DefaultIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlive,
		Allow0RTT:       false,
	}
}

// SelfSignedTLSConfig generates an in-memory ECDSA certificate for localhost
// and the loopback addresses. Development and tests only; production
// deployments load a real key pair via ServerTLSConfig.
func SelfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate serial: %w", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mcpquic self-signed"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocolMCP},
	}, nil
}

// ServerTLSConfig loads a PEM key pair from disk for production listeners.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocolMCP},
	}, nil
}

// ClientTLSConfig returns the dialing TLS config. insecure skips server
// certificate verification, which is only acceptable against a server
// running with SelfSignedTLSConfig.
func ClientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPNProtocolMCP},
	}
}
