package listener

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/developingchet/actionban/internal/ipfilter"
	"github.com/developingchet/actionban/internal/jail"
	"github.com/developingchet/actionban/internal/metrics"
	"github.com/rs/zerolog"
)

const maxDatagram = 4096

// Config holds listener configuration.
type Config struct {
	Addr       string
	Ignore     ipfilter.IgnoreList
	EnableIPv6 bool
}

// Server receives action datagrams and applies them to the jail state.
// It never bans by itself; the ticker decides.
type Server struct {
	cfg   Config
	state *jail.State
	log   zerolog.Logger
	conn  net.PacketConn
}

// New constructs a Server. Call Listen before Serve.
func New(cfg Config, state *jail.State, log zerolog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		state: state,
		log:   log.With().Str("component", "listener").Logger(),
	}
}

// Listen binds the UDP socket.
func (s *Server) Listen() error {
	conn, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.cfg.Addr, err)
	}
	s.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled, then closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	s.log.Info().Str("addr", s.conn.LocalAddr().String()).Msg("action listener started")
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info().Msg("action listener stopped")
				return nil
			}
			s.log.Warn().Err(err).Msg("udp read failed")
			continue
		}
		if err := s.Handle(buf[:n]); err != nil {
			s.log.Warn().Err(err).Str("from", from.String()).Msg("datagram dropped")
		}
	}
}

// Handle parses and applies a single datagram. Errors are either a
// *ProtocolError or wrap jail.ErrInvalidArgument; state is untouched on error.
func (s *Server) Handle(datagram []byte) error {
	cmd, err := Parse(datagram)
	if err != nil {
		metrics.DatagramsReceived.WithLabelValues("unknown", "malformed").Inc()
		return err
	}
	if err := cmd.Config.Validate(); err != nil {
		metrics.DatagramsReceived.WithLabelValues(cmd.Name, "invalid").Inc()
		return err
	}

	switch cmd.Name {
	case CommandJail:
		created, err := s.state.UpsertJail(cmd.Config)
		if err != nil {
			metrics.DatagramsReceived.WithLabelValues(cmd.Name, "invalid").Inc()
			return err
		}
		metrics.DatagramsReceived.WithLabelValues(cmd.Name, "ok").Inc()
		s.log.Info().Str("jail", cmd.Config.Name).Bool("created", created).
			Int64("volume", cmd.Config.Volume).Int64("burst", cmd.Config.Burst).
			Int64("expire", cmd.Config.Expire).Msg("jail config updated")
		return nil

	case CommandAction:
		return s.handleAction(cmd, string(datagram))
	}
	return nil
}

func (s *Server) handleAction(cmd Command, raw string) error {
	ip, ipv6, err := ipfilter.Canonical(cmd.IP)
	if err != nil {
		metrics.DatagramsReceived.WithLabelValues(cmd.Name, "malformed").Inc()
		return &ProtocolError{Reason: err.Error(), Datagram: raw}
	}
	if ipv6 && !s.cfg.EnableIPv6 {
		metrics.DatagramsReceived.WithLabelValues(cmd.Name, "malformed").Inc()
		return &ProtocolError{Reason: "IPv6 addresses are disabled", Datagram: raw}
	}
	if s.cfg.Ignore.Contains(ip) {
		metrics.DatagramsReceived.WithLabelValues(cmd.Name, "ignored").Inc()
		s.log.Debug().Str("jail", cmd.Config.Name).Str("ip", ip).Msg("action for ignored ip")
		return nil
	}

	hot, err := s.state.RecordAction(cmd.Config, ip, cmd.Count)
	if err != nil {
		metrics.DatagramsReceived.WithLabelValues(cmd.Name, "invalid").Inc()
		return err
	}
	metrics.DatagramsReceived.WithLabelValues(cmd.Name, "ok").Inc()
	metrics.ActionsRecorded.WithLabelValues(cmd.Config.Name).Add(float64(cmd.Count))
	if hot {
		s.log.Debug().Str("jail", cmd.Config.Name).Str("ip", ip).Msg("threshold crossed, ban pending")
	}
	return nil
}
