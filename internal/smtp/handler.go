package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rishavghosh108/mrx-mta/internal/auth"
	"github.com/rishavghosh108/mrx-mta/internal/config"
	"github.com/rishavghosh108/mrx-mta/internal/logging"
	"github.com/rishavghosh108/mrx-mta/internal/metrics"
	"github.com/rishavghosh108/mrx-mta/internal/model"
	"github.com/rishavghosh108/mrx-mta/internal/policy"
	"github.com/rishavghosh108/mrx-mta/internal/queue"
	"github.com/rishavghosh108/mrx-mta/internal/server"
)

// HandlerConfig bundles every dependency and policy knob the reception
// handler needs. Hostname names the greeting banner and Received headers.
// SessionConfig carries the reception limits (size, recipients) derived
// from config.Config. Collector records metrics (nil disables). QueueSvc
// durably stores accepted envelopes (nil rejects all mail with 550).
// AuthSvc enables SMTP AUTH (nil disables it). PolicySvc enforces
// blacklist, rate-limiting and greylisting (nil skips all policy checks).
// TLSConfig enables STARTTLS (nil disables it). AuthRequiredOnSubmission
// and TLSRequiredOnSubmission implement the submission listener policy
// (AUTH_REQUIRED_SUBMISSION / TLS_REQUIRED_ON_SUBMISSION); both are only
// consulted for connections accepted on a submission listener.
type HandlerConfig struct {
	Hostname                 string
	SessionConfig            SessionConfig
	Collector                metrics.Collector
	QueueSvc                 *queue.Service
	AuthSvc                  *auth.Service
	PolicySvc                *policy.Service
	TLSConfig                *tls.Config
	AuthRequiredOnSubmission bool
	TLSRequiredOnSubmission  bool
}

// Handler returns a ConnectionHandler that processes SMTP commands per cfg.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	hostname := cfg.Hostname
	collector := cfg.Collector
	queueSvc := cfg.QueueSvc
	authSvc := cfg.AuthSvc
	policySvc := cfg.PolicySvc
	tlsConfig := cfg.TLSConfig
	registry := NewCommandRegistry(hostname, authSvc, tlsConfig)

	return func(ctx context.Context, conn *server.Connection) {
		logger := logging.FromContext(ctx)

		if collector != nil {
			collector.ConnectionOpened()
			defer collector.ConnectionClosed()
		}

		clientIP := extractIP(conn.RemoteAddr())

		connInfo := ConnectionInfo{ClientIP: clientIP}
		session := NewSMTPSession(connInfo, cfg.SessionConfig)
		session.SetTLSActive(conn.IsTLS())
		mode := server.ModeFromContext(ctx)
		session.SetSubmission(mode == config.ModeSubmission || mode == config.ModeSmtps)

		if policySvc != nil {
			if blocked, rule, err := policySvc.IsBlacklisted(clientIP, "", ""); err != nil {
				logger.Debug("blacklist check failed", "error", err.Error())
			} else if blocked {
				logger.Info("rejecting connection, blacklisted", "ip", clientIP, "reason", rule.Reason)
				_ = writeResponse(conn, 554, "5.7.1 Connection refused")
				return
			}
			if allowed, err := policySvc.CheckIPRate(ctx, clientIP); err != nil {
				logger.Debug("ip rate check failed", "error", err.Error())
			} else if !allowed {
				logger.Info("rejecting connection, rate limited", "ip", clientIP)
				_ = writeResponse(conn, 421, "4.7.0 Too many connections, try again later")
				return
			}
		}

		if err := writeResponse(conn, 220, hostname+" ESMTP ready"); err != nil {
			logger.Debug("failed to send greeting", "error", err.Error())
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Debug("failed to reset idle timeout", "error", err.Error())
			return
		}

		for {
			line, err := conn.Reader().ReadString('\n')
			if err != nil {
				if err != io.EOF {
					logger.Debug("failed to read command", "error", err.Error())
				}
				return
			}
			line = strings.TrimRight(line, "\r\n")

			// An in-progress multi-turn AUTH exchange intercepts the next
			// line instead of the command registry.
			if _, _, pending := session.PendingAuth(); pending {
				result, _ := ContinueAuth(session, line)
				if collector != nil {
					collector.AuthAttempt(extractSenderDomain(session.GetAuthUser()), result.Code == 235)
				}
				if err := writeResult(conn, result); err != nil {
					logger.Debug("failed to write response", "error", err.Error())
					return
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			if line == "" {
				continue
			}

			if session.InData() {
				handleDataPhase(ctx, conn, session, logger, collector, queueSvc, hostname, clientIP, line)
				continue
			}

			cmd, matches, err := registry.Match(line)
			if err != nil {
				if err := writeResponse(conn, 500, "5.5.1 Syntax error, command unrecognized"); err != nil {
					logger.Debug("failed to write error response", "error", err.Error())
				}
				if session.IncrementUnknownCommandCount() >= MaxUnknownCommands {
					_ = writeResponse(conn, 421, "4.7.0 Too many unrecognized commands")
					return
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			if collector != nil {
				collector.CommandProcessed(extractCommandName(line))
			}

			if _, ok := cmd.(*RCPTCommand); ok && policySvc != nil {
				if result, rejected := checkRecipientPolicy(ctx, policySvc, session, matches[1]); rejected {
					if err := writeResult(conn, result); err != nil {
						logger.Debug("failed to write response", "error", err.Error())
						return
					}
					if err := conn.ResetIdleTimeout(); err != nil {
						logger.Debug("failed to reset idle timeout", "error", err.Error())
					}
					continue
				}
			}

			if _, ok := cmd.(*MAILCommand); ok {
				if session.IsSubmission() && cfg.AuthRequiredOnSubmission && !session.IsAuthenticated() {
					_ = writeResult(conn, SMTPResult{Code: 530, Message: "5.7.0 Authentication required"})
					_ = conn.ResetIdleTimeout()
					continue
				}
				if policySvc != nil {
					if result, rejected := checkSenderPolicy(ctx, policySvc, session, matches[1]); rejected {
						if err := writeResult(conn, result); err != nil {
							logger.Debug("failed to write response", "error", err.Error())
							return
						}
						if err := conn.ResetIdleTimeout(); err != nil {
							logger.Debug("failed to reset idle timeout", "error", err.Error())
						}
						continue
					}
				}
			}

			if _, ok := cmd.(*AUTHCommand); ok {
				if session.IsSubmission() && cfg.TLSRequiredOnSubmission && !session.IsTLSActive() {
					_ = writeResult(conn, SMTPResult{Code: 538, Message: "5.7.11 Encryption required for requested authentication mechanism"})
					_ = conn.ResetIdleTimeout()
					continue
				}
			}

			result, execErr := cmd.Execute(ctx, session, matches)
			if execErr != nil {
				logger.Debug("command execution failed", "error", execErr.Error())
				if err := writeResponse(conn, 451, "4.3.0 Requested action aborted"); err != nil {
					logger.Debug("failed to write error response", "error", err.Error())
				}
				if session.IncrementErrorCount() >= MaxErrors {
					_ = writeResponse(conn, 421, "4.7.0 Too many errors")
					return
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			if err := writeResult(conn, result); err != nil {
				logger.Debug("failed to write response", "error", err.Error())
				return
			}

			if starttlsCmd, ok := cmd.(*STARTTLSCommand); ok && result.Code == 220 {
				if err := conn.UpgradeToTLS(starttlsCmd.TLSConfig()); err != nil {
					logger.Debug("TLS upgrade failed", "error", err.Error())
					return
				}
				if collector != nil {
					collector.TLSConnectionEstablished()
				}
				session.SetTLSActive(true)
				// Per RFC 3207, session state resets and the client must
				// re-issue EHLO after a successful upgrade.
				session.Reset()
				session.SetState(StateInit)
				logger.Debug("STARTTLS upgrade successful")
			}

			if err := conn.ResetIdleTimeout(); err != nil {
				logger.Debug("failed to reset idle timeout", "error", err.Error())
			}

			if result.Code == 221 {
				return
			}
		}
	}
}

// checkRecipientPolicy applies blacklist and greylist checks for a single
// RCPT TO target, returning a result to send (and true) when the recipient
// should be rejected instead of handed to RCPTCommand.Execute.
func checkRecipientPolicy(ctx context.Context, policySvc *policy.Service, session *SMTPSession, recipient string) (SMTPResult, bool) {
	domain := model.DomainOf(recipient)
	clientIP := session.ConnInfo().ClientIP

	if blocked, rule, err := policySvc.IsBlacklisted(clientIP, domain, recipient); err == nil && blocked {
		return SMTPResult{Code: 550, Message: "5.7.1 Recipient refused: " + rule.Reason}, true
	}

	if whitelisted, err := policySvc.IsWhitelisted(clientIP, domain, recipient); err == nil && whitelisted {
		return SMTPResult{}, false
	}

	if allowed, err := policySvc.CheckDomainRate(ctx, domain); err == nil && !allowed {
		return SMTPResult{Code: 452, Message: "4.7.1 Too many recipients for this domain, try again later"}, true
	}

	if session.IsAuthenticated() {
		return SMTPResult{}, false
	}

	greylist, err := policySvc.CheckGreylist(ctx, session.GetSender(), recipient, clientIP)
	if err == nil && !greylist.Accept {
		return SMTPResult{Code: 450, Message: "4.7.1 " + greylist.Reason}, true
	}

	return SMTPResult{}, false
}

// checkSenderPolicy applies the MAIL-time policy checks required by §4.1:
// blacklist against peer IP, sender domain, and sender email, then a rate
// limit against the authenticated user if authenticated, else the peer IP.
// Returns a result to send (and true) when the sender should be rejected
// instead of handed to MAILCommand.Execute.
func checkSenderPolicy(ctx context.Context, policySvc *policy.Service, session *SMTPSession, sender string) (SMTPResult, bool) {
	domain := model.DomainOf(sender)
	clientIP := session.ConnInfo().ClientIP

	if blocked, rule, err := policySvc.IsBlacklisted(clientIP, domain, sender); err == nil && blocked {
		return SMTPResult{Code: 550, Message: "5.1.1 Rejected by policy: " + rule.Reason}, true
	}

	if session.IsAuthenticated() {
		if limit := session.GetAuthRateLimit(); limit > 0 {
			if allowed, err := policySvc.CheckUserRate(ctx, session.GetAuthUser(), limit); err == nil && !allowed {
				return SMTPResult{Code: 452, Message: "4.7.1 Too many messages, try again later"}, true
			}
		}
		return SMTPResult{}, false
	}

	if allowed, err := policySvc.CheckIPRate(ctx, clientIP); err == nil && !allowed {
		return SMTPResult{Code: 452, Message: "4.7.1 Too many messages, try again later"}, true
	}

	return SMTPResult{}, false
}

// handleDataPhase collects the message body for the current transaction,
// applies policy/enqueue, and resets the session for the next transaction.
func handleDataPhase(ctx context.Context, conn *server.Connection, session *SMTPSession, logger *slog.Logger, collector metrics.Collector, queueSvc *queue.Service, hostname, clientIP, firstLine string) {
	messageData, err := collectMessageData(conn, session.Config().MaxMessageSize)
	if err != nil {
		logger.Debug("failed to collect message data", "error", err.Error())
		if errors.Is(err, ErrInputTooLong) {
			_ = writeResponse(conn, 552, "5.2.2 Message size exceeds limit")
		} else {
			_ = writeResponse(conn, 451, "4.3.0 Error collecting message")
		}
		session.Reset()
		_ = conn.ResetIdleTimeout()
		return
	}

	var fullMessage bytes.Buffer
	fullMessage.WriteString(firstLine)
	fullMessage.WriteString("\r\n")
	fullMessage.Write(messageData)

	// The Received header's id must be the real queue-id, which the store
	// only assigns on Enqueue; mint it here so both the header and the
	// persisted record agree.
	queueID := uuid.NewString()
	body := prependReceivedHeader(fullMessage.Bytes(), hostname, clientIP, queueID, session)

	if queueSvc == nil {
		if collector != nil {
			collector.MessageRejected(extractDomain(session.GetRecipients()), "no_queue_configured")
		}
		_ = writeResponse(conn, 550, "5.3.0 Mail delivery not configured")
		session.Reset()
		_ = conn.ResetIdleTimeout()
		return
	}

	env := model.Envelope{
		Sender:      session.GetSender(),
		Recipients:  session.GetRecipients(),
		MessageData: body,
		QueueID:     queueID,
		Session: model.SessionInfo{
			PeerIP:            clientIP,
			HeloName:          session.GetHelo(),
			AuthenticatedUser: session.GetAuthUser(),
			TLSActive:         session.IsTLSActive(),
		},
	}

	queued, err := queueSvc.Enqueue(ctx, env)
	if err != nil {
		logger.Debug("enqueue failed", "error", err.Error())
		if collector != nil {
			collector.MessageRejected(extractDomain(session.GetRecipients()), "queue_error")
		}
		_ = writeResponse(conn, 451, "4.3.0 Requested action aborted: queueing failed")
	} else {
		if collector != nil {
			collector.MessageReceived(extractDomain(session.GetRecipients()), int64(len(body)))
		}
		_ = writeResponse(conn, 250, "2.0.0 Message accepted for delivery (Queue ID: "+queued.QueueID+")")
	}

	session.Reset()
	_ = conn.ResetIdleTimeout()
}

// prependReceivedHeader adds a Received trace header ahead of the message
// as accepted, following RFC 5321 §4.4. queueID is the id the message will
// be persisted under; the optional "for <rcpt>" clause is included only
// when the transaction has exactly one recipient.
func prependReceivedHeader(message []byte, hostname, clientIP, queueID string, session *SMTPSession) []byte {
	helo := session.GetHelo()
	if helo == "" {
		helo = "unknown"
	}
	via := "ESMTP"
	if session.IsTLSActive() {
		via = "ESMTPS"
	}
	if session.IsAuthenticated() {
		via = "ESMTPSA"
	}

	forClause := ""
	if recipients := session.GetRecipients(); len(recipients) == 1 {
		forClause = " for <" + recipients[0] + ">"
	}

	header := fmt.Sprintf(
		"Received: from %s ([%s]) by %s with %s id %s%s; %s\r\n",
		helo, clientIP, hostname, via, queueID, forClause, time.Now().UTC().Format(time.RFC1123Z),
	)
	var result bytes.Buffer
	result.WriteString(header)
	result.Write(message)
	return result.Bytes()
}

// writeResponse writes an SMTP response to the connection.
func writeResponse(conn *server.Connection, code int, message string) error {
	_, err := fmt.Fprintf(conn.Writer(), "%d %s\r\n", code, message)
	if err != nil {
		return err
	}
	return conn.Flush()
}

// writeResult writes an SMTP result to the connection, supporting multi-line responses.
func writeResult(conn *server.Connection, result SMTPResult) error {
	if len(result.Lines) > 0 {
		for i, line := range result.Lines {
			var err error
			if i < len(result.Lines)-1 {
				_, err = fmt.Fprintf(conn.Writer(), "%d-%s\r\n", result.Code, line)
			} else {
				_, err = fmt.Fprintf(conn.Writer(), "%d %s\r\n", result.Code, line)
			}
			if err != nil {
				return err
			}
		}
		return conn.Flush()
	}
	return writeResponse(conn, result.Code, result.Message)
}

// collectMessageData reads message content until the terminating dot.
// It handles dot-stuffing per RFC 5321. Once maxSize is exceeded it stops
// buffering but keeps reading and discarding lines through the terminating
// <CRLF>.<CRLF> so the connection stays in sync with the client; the caller
// still gets ErrInputTooLong once the terminator is reached.
func collectMessageData(conn *server.Connection, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var totalSize int64
	oversize := false

	for {
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "." {
			break
		}

		line = strings.TrimPrefix(line, ".")

		if oversize {
			continue
		}

		if maxSize > 0 {
			totalSize += int64(len(line)) + 2
			if totalSize > maxSize {
				oversize = true
				continue
			}
		}

		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if oversize {
		return nil, ErrInputTooLong
	}

	return buf.Bytes(), nil
}

// extractIP extracts the IP address string from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// extractDomain extracts the domain from the first recipient's email address.
func extractDomain(recipients []string) string {
	if len(recipients) == 0 {
		return "unknown"
	}
	if d := model.DomainOf(recipients[0]); d != "" {
		return d
	}
	return "unknown"
}

// extractCommandName extracts the command name from an SMTP line for metrics.
func extractCommandName(line string) string {
	line = strings.ToUpper(line)
	if idx := strings.Index(line, " "); idx > 0 {
		return line[:idx]
	}
	return line
}

// extractSenderDomain extracts the domain from a sender email address.
func extractSenderDomain(sender string) string {
	if d := model.DomainOf(sender); d != "" {
		return d
	}
	return "unknown"
}
