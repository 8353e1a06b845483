package main

import (
	"crypto/tls"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/goburrow/quicframe/transport"
	quic "github.com/goburrow/quicframe"
)

func newClientCmd() *cobra.Command {
	var listenAddr string
	var insecure bool
	var data string
	var logLevel int

	cmd := &cobra.Command{
		Use:   "client <address>",
		Short: "Connect to a QUIC server and exchange one stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			config := transport.NewConfig(&tls.Config{
				ServerName:         serverName(addr),
				InsecureSkipVerify: insecure,
				NextProtos:         []string{"quince"},
			})
			handler := &clientHandler{data: data}
			client := quic.NewClient(config)
			client.SetHandler(handler)
			client.SetLogger(logLevel, os.Stdout)
			if err := client.ListenAndServe(listenAddr); err != nil {
				return err
			}
			handler.wg.Add(1)
			if err := client.Connect(addr); err != nil {
				return err
			}
			handler.wg.Wait()
			return client.Close()
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", "0.0.0.0:0", "listen on the given IP:port")
	flags.BoolVar(&insecure, "insecure", false, "skip verifying server certificate")
	flags.StringVar(&data, "data", "GET /\r\n", "data to send on stream 4")
	logLevelFlag(flags, &logLevel)
	return cmd
}

// clientHandler implements quic.Handler for the CLI client: write once,
// print whatever comes back, and unblock main once the connection
// closes.
type clientHandler struct {
	wg   sync.WaitGroup
	data string
}

func (h *clientHandler) Serve(c quic.Conn, events []quic.Event) {
	for _, e := range events {
		log.Printf("%s connection event: %v", c.RemoteAddr(), e.Type)
		switch e.Type {
		case quic.EventConnAccept:
			st, err := c.Stream(4)
			if err == nil {
				_, _ = st.Write([]byte(h.data))
				_ = st.Close()
			}
		case quic.EventStreamRecv:
			st, err := c.Stream(e.StreamID)
			if err == nil {
				buf := make([]byte, 4096)
				n, _ := st.Read(buf)
				log.Printf("stream %d received:\n%s", e.StreamID, buf[:n])
			}
		case quic.EventConnClose:
			h.wg.Done()
		}
	}
}

func serverName(s string) string {
	colon := strings.LastIndex(s, ":")
	if colon > 0 {
		bracket := strings.LastIndex(s, "]")
		if colon > bracket {
			return s[:colon]
		}
	}
	return s
}
