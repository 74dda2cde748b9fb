package backends

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Local sockets probed when a syslog sink has no address.
var localSyslogSockets = []string{"/dev/log", "/var/run/syslog", "/var/run/log"}

var severities = map[string]int{
	"trace": 7,
	"debug": 7,
	"info":  6,
	"warn":  4,
	"error": 3,
	"fatal": 2,
}

// Severity maps a normalized level to its syslog severity. Unknown levels
// are treated as notice.
func Severity(level string) int {
	if s, ok := severities[level]; ok {
		return s
	}
	return 5
}

// SyslogSink writes one "<priority>tag: line" message per record. On stream
// networks writes are buffered and reach the daemon on Flush or when the
// buffer fills. On packet networks every record is sent as its own datagram.
type SyslogSink struct {
	name    string
	cfg     SyslogConfig
	packet  bool
	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	onError ErrorHandler
}

// NewSyslogSink dials the daemon described by cfg. An empty Network with a
// socket path tries unixgram, then unix.
func NewSyslogSink(ctx context.Context, name string, cfg SyslogConfig) (*SyslogSink, error) {
	var d net.Dialer
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}

	var (
		conn net.Conn
		err  error
	)
	switch {
	case cfg.Address == "":
		conn, err = dialLocalSyslog(ctx, &d)
	case cfg.Network == "":
		conn, err = dialUnixSyslog(ctx, &d, cfg.Address)
	default:
		conn, err = d.DialContext(ctx, cfg.Network, cfg.Address)
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial syslog")
	}

	cfg.Network, cfg.Address = conn.RemoteAddr().Network(), conn.RemoteAddr().String()
	return &SyslogSink{
		name:   name,
		cfg:    cfg,
		packet: isPacketNetwork(cfg.Network),
		conn:   conn,
		writer: bufio.NewWriter(conn),
	}, nil
}

func dialLocalSyslog(ctx context.Context, d *net.Dialer) (net.Conn, error) {
	for _, path := range localSyslogSockets {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if conn, err := dialUnixSyslog(ctx, d, path); err == nil {
			return conn, nil
		}
	}
	return nil, errors.New("no local syslog socket found")
}

// dialUnixSyslog prefers datagram sockets, which is what /dev/log is on Linux.
func dialUnixSyslog(ctx context.Context, d *net.Dialer, path string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "unixgram", path)
	if err == nil {
		return conn, nil
	}
	conn, streamErr := d.DialContext(ctx, "unix", path)
	if streamErr != nil {
		return nil, err
	}
	return conn, nil
}

func isPacketNetwork(network string) bool {
	switch network {
	case "udp", "udp4", "udp6", "unixgram":
		return true
	}
	return false
}

// SetErrorHandler sets the handler told about failed flushes on close.
func (s *SyslogSink) SetErrorHandler(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = h
}

func (s *SyslogSink) Name() string { return s.name }

// Accept formats the record and sends it as one datagram, or appends it to
// the write buffer on stream networks.
func (s *SyslogSink) Accept(ctx context.Context, rec *types.Record) error {
	msg := s.format(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("syslog sink closed")
	}
	if s.packet {
		if err := s.conn.SetWriteDeadline(s.deadline(ctx)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
		_, err := s.conn.Write(msg)
		return errors.Wrap(err, "write syslog datagram")
	}
	if s.writer.Available() < len(msg) && s.writer.Buffered() > 0 {
		if err := s.flushLocked(ctx); err != nil {
			return err
		}
	}
	_, err := s.writer.Write(msg)
	return err
}

func (s *SyslogSink) format(rec *types.Record) []byte {
	priority := s.cfg.Facility*8 + Severity(rec.Level)
	line := bytes.TrimRight(rec.Line, "\n")

	msg := make([]byte, 0, len(line)+len(s.cfg.Tag)+8)
	msg = append(msg, '<')
	msg = strconv.AppendInt(msg, int64(priority), 10)
	msg = append(msg, '>')
	msg = append(msg, s.cfg.Tag...)
	msg = append(msg, ": "...)
	msg = append(msg, line...)
	return append(msg, '\n')
}

// Flush writes buffered messages to the connection.
func (s *SyslogSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.flushLocked(ctx)
}

func (s *SyslogSink) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	if s.cfg.Timeout > 0 {
		return time.Now().Add(s.cfg.Timeout)
	}
	return time.Time{}
}

func (s *SyslogSink) flushLocked(ctx context.Context) error {
	if s.writer.Buffered() == 0 {
		return nil
	}
	if err := s.conn.SetWriteDeadline(s.deadline(ctx)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := s.writer.Flush(); err != nil {
		// A failed bufio.Writer stays failed; start over on a fresh one.
		s.writer = bufio.NewWriter(s.conn)
		return errors.Wrap(err, "flush syslog")
	}
	return nil
}

// Close flushes and closes the connection. Later calls are no-ops.
func (s *SyslogSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}

	flushErr := s.flushLocked(ctx)
	if flushErr != nil && s.onError != nil {
		s.onError("syslog", s.name, "final flush failed", flushErr)
	}
	closeErr := s.conn.Close()
	s.conn = nil

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "close syslog")
	}
	return nil
}

func (s *SyslogSink) String() string {
	return fmt.Sprintf("syslog://%s/%s", s.cfg.Network, s.cfg.Address)
}
