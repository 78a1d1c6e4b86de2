// Package wt provides the supplemental client transport: a WebTransport
// session with a client-opened bidirectional stream carrying
// newline-delimited JSON control messages and raw PCM audio travelling as
// QUIC datagrams. Sessions land in the same registry as websocket clients
// and are indistinguishable to the mixer, watchdog, and admin API.
package wt

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"squawk/internal/core"
	"squawk/internal/protocol"
)

// Server accepts WebTransport sessions and bridges them onto the registry.
type Server struct {
	addr     string
	tlsConf  *tls.Config
	registry *core.Registry
	wt       *webtransport.Server
}

// New creates a WebTransport server bound to the registry. The tls.Config
// typically comes from GenerateTLSConfig.
func New(addr string, tlsConf *tls.Config, registry *core.Registry) *Server {
	return &Server{
		addr:     addr,
		tlsConf:  tlsConf,
		registry: registry,
	}
}

// Run starts the QUIC listener and blocks until it fails or the context is
// cancelled. Cancellation is a clean shutdown and returns nil.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConf,
			Handler:   mux,
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Error("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.serveSession(ctx, sess)
	})

	slog.Info("webtransport listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serveSession runs one session until disconnect. The client opens the
// control stream and speaks the same JSON protocol as the websocket
// transport. A client that never opens one sits unregistered until the
// watchdog reclaims its registry slot and QUIC's idle timer kills the
// connection.
func (s *Server) serveSession(ctx context.Context, conn *webtransport.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := s.registry.AddSession()
	defer s.registry.Disconnect(sess.ID)

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		slog.Debug("no control stream", "session_id", sess.ID, "err", err)
		_ = conn.CloseWithError(0, "control stream required")
		return
	}

	// Single writer: control replies go down the stream as JSON lines,
	// mixed audio leaves as datagrams. When the registry closes Send
	// (disconnect, kick, eviction) the session is torn down, which also
	// unblocks the stream read loop below.
	go func() {
		defer conn.CloseWithError(0, "bye")
		for {
			select {
			case msg, ok := <-sess.Send:
				if !ok {
					return
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				data = append(data, '\n')
				if _, err := stream.Write(data); err != nil {
					return
				}
			case frame := <-sess.Audio:
				if err := conn.SendDatagram(frame); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go s.readDatagrams(ctx, conn, sess.ID)

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("control stream closed", "session_id", sess.ID, "err", err)
			}
			return
		}
		var in protocol.Message
		if err := json.Unmarshal(line, &in); err != nil {
			slog.Debug("dropping undecodable control message", "session_id", sess.ID, "err", err)
			continue
		}
		s.registry.Dispatch(sess.ID, in)
	}
}

// readDatagrams feeds inbound voice frames to the registry until the
// session ends. Frame length gating happens in PushFrame, so a truncated
// or oversized datagram is counted and dropped there.
func (s *Server) readDatagrams(ctx context.Context, conn *webtransport.Session, id string) {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		s.registry.PushFrame(id, data)
	}
}
