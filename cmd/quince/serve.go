package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	quic "github.com/goburrow/quicframe"
	"github.com/goburrow/quicframe/internal/metrics"
	"github.com/goburrow/quicframe/transport"
)

func newServeCmd() *cobra.Command {
	var listenAddr string
	var metricsAddr string
	var workers int
	var logLevel int
	var certFile, keyFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a QUIC echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			tlsConfig, err := loadOrGenerateCert(certFile, keyFile)
			if err != nil {
				return fmt.Errorf("tls setup: %w", err)
			}
			config := transport.NewConfig(tlsConfig)

			reg := metrics.NewRegistry()
			server := quic.NewServer(config, workers)
			server.SetMetrics(reg)
			server.SetHandler(&echoHandler{})
			server.SetLogger(logLevel, cmd.OutOrStdout())

			if metricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", reg.Handler())
					log.Printf("metrics listening on %s", metricsAddr)
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.Printf("metrics server stopped: %v", err)
					}
				}()
			}
			if err := server.ListenAndServe(listenAddr); err != nil {
				return err
			}
			log.Printf("quic server listening on %s", listenAddr)
			select {}
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", "0.0.0.0:4433", "listen on the given IP:port")
	flags.StringVar(&metricsAddr, "metrics", "", "serve Prometheus /metrics on this IP:port, empty to disable")
	flags.IntVar(&workers, "workers", 1, "number of connection workers")
	logLevelFlag(flags, &logLevel)
	flags.StringVar(&certFile, "cert", "", "TLS certificate file, generates a self-signed one if empty")
	flags.StringVar(&keyFile, "key", "", "TLS key file, generates a self-signed one if empty")
	return cmd
}

// echoHandler accepts every peer-initiated stream and writes its
// reassembled bytes straight back.
type echoHandler struct{}

func (echoHandler) Serve(c quic.Conn, events []quic.Event) {
	for _, e := range events {
		if e.Type != quic.EventStreamRecv {
			continue
		}
		st, err := c.Stream(e.StreamID)
		if err != nil {
			continue
		}
		buf := make([]byte, 4096)
		n, _ := st.Read(buf)
		if n > 0 {
			_, _ = st.Write(buf[:n])
		}
	}
}

func loadOrGenerateCert(certFile, keyFile string) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"quince"}}, nil
	}
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"quince"}}, nil
}

// generateSelfSignedCert produces an ephemeral P-256 certificate for
// local testing, matching the "no config-file format for certificates"
// non-goal: certificate material is either supplied by the operator or
// generated on the spot, never parsed from a bespoke format.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "quince"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
