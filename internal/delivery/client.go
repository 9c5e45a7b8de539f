package delivery

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// reply is a single parsed SMTP reply (possibly assembled from several
// continuation lines).
type reply struct {
	Code    int
	Lines   []string
	Message string
}

// outboundConn is a minimal hand-rolled SMTP client connection, grounded on
// the teacher's own bufio.Reader/Writer-over-net.Conn style in
// internal/server/connection.go, generalized for the client rather than
// server role. A from-scratch client (rather than a library) is what the
// specification's design notes call for: classification of every reply
// code into terminal/transient per recipient needs access a generic
// net/smtp-style client doesn't expose.
type outboundConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	tls    bool
}

func dial(ctx context.Context, host string, port int, connectTimeout time.Duration) (*outboundConn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &outboundConn{conn: conn, reader: bufio.NewReader(conn), writer: bufio.NewWriter(conn)}, nil
}

func (c *outboundConn) close() {
	c.conn.Close()
}

func (c *outboundConn) setDeadline(d time.Duration) {
	c.conn.SetDeadline(time.Now().Add(d))
}

func (c *outboundConn) sendLine(line string) error {
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// readReply reads one (possibly multi-line) SMTP reply: lines of the form
// "250-text" followed by a final "250 text".
func (c *outboundConn) readReply() (reply, error) {
	var r reply
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return reply{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return reply{}, fmt.Errorf("delivery: malformed reply line %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return reply{}, fmt.Errorf("delivery: malformed reply code %q", line[:3])
		}
		r.Code = code
		text := line[4:]
		r.Lines = append(r.Lines, text)
		if line[3] == ' ' {
			r.Message = text
			break
		}
	}
	return r, nil
}

func (c *outboundConn) upgradeToTLS(serverName string) error {
	if err := c.writer.Flush(); err != nil {
		return err
	}
	// Opportunistic TLS: the purpose is anti-passive-eavesdropping, not
	// authenticated transport, so certificate verification is skipped per
	// the delivery design's explicit acceptance of self-signed/mismatched
	// certs.
	tlsConn := tls.Client(c.conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.tls = true
	return nil
}

// hasCapability reports whether name appears as (a prefix of) one of the
// EHLO response's continuation lines.
func hasCapability(r reply, name string) bool {
	for _, line := range r.Lines {
		if strings.HasPrefix(strings.ToUpper(line), name) {
			return true
		}
	}
	return false
}
