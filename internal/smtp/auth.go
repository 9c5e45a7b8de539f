package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/rishavghosh108/mrx-mta/internal/auth"
)

// authPattern matches AUTH commands: AUTH MECHANISM [initial-response]
var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\w+)(?:\s+(.+))?$`)

// errAuthFailed and errAuthTemp distinguish a rejected credential (535) from
// a backing-store failure (454) inside the SASL authenticator callback; both
// are swallowed by sasl.Server.Next and only surface as its returned error.
var (
	errAuthFailed = errors.New("smtp: authentication credentials invalid")
	errAuthTemp   = errors.New("smtp: temporary authentication failure")
)

// AUTHCommand implements the AUTH command for SMTP authentication (RFC 4954),
// dispatching PLAIN and LOGIN to go-sasl server mechanisms so that both the
// initial-response and multi-turn-challenge forms are handled uniformly.
type AUTHCommand struct {
	authSvc *auth.Service
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	mechanism := strings.ToUpper(matches[1])
	initialResponse := ""
	if len(matches) > 2 {
		initialResponse = matches[2]
	}

	if session.IsAuthenticated() {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	if (mechanism == "PLAIN" || mechanism == "LOGIN") && !session.IsTLSActive() {
		if !isLocalhost(session.ConnInfo().ClientIP) {
			return SMTPResult{Code: 538, Message: "5.7.11 Encryption required for requested authentication mechanism"}, nil
		}
	}

	var srv sasl.Server
	switch mechanism {
	case "PLAIN":
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			return c.verify(ctx, session, "PLAIN", username, password)
		})
	case "LOGIN":
		srv = sasl.NewLoginServer(func(username, password string) error {
			return c.verify(ctx, session, "LOGIN", username, password)
		})
	default:
		return SMTPResult{Code: 504, Message: "5.5.4 Unrecognized authentication type"}, nil
	}

	var initial []byte
	switch initialResponse {
	case "":
		// No initial response; the client will send one on the next line.
		initial = nil
	case "=":
		// RFC 4954: a literal "=" means an empty initial response.
		initial = []byte{}
	default:
		decoded, err := base64.StdEncoding.DecodeString(initialResponse)
		if err != nil {
			return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}, nil
		}
		initial = decoded
	}

	return continueAuth(session, srv, initial, initialResponse != "")
}

// verify runs the configured AuthService and translates its outcome into the
// sentinel errors continueAuth maps to SMTP reply codes. Returning nil marks
// the SASL exchange successful and records the session as authenticated.
func (c *AUTHCommand) verify(ctx context.Context, session *SMTPSession, mechanism, username, password string) error {
	user, err := c.authSvc.Authenticate(ctx, username, password, session.ConnInfo().ClientIP)
	if err != nil {
		return errAuthTemp
	}
	if user == nil {
		return errAuthFailed
	}
	session.SetAuthenticated(user.Username, mechanism, user.RateLimit)
	return nil
}

// continueAuth advances a SASL exchange by one turn. If the exchange isn't
// done, it stashes srv on the session as a pending continuation and returns
// a 334 challenge; the handler is responsible for routing the client's next
// raw line back through ContinueAuth instead of the command registry. hadInput
// distinguishes "no input yet, wait for the client's first line" (PLAIN/LOGIN
// with no initial response) from "fed the server input but it wants more"
// (LOGIN always does, after the username).
func continueAuth(session *SMTPSession, srv sasl.Server, response []byte, hadInput bool) (SMTPResult, error) {
	if !hadInput && response == nil {
		// Prime the exchange: LOGIN issues "Username:" on srv.Next(nil);
		// PLAIN with no initial response also waits for one on the wire.
		challenge, done, err := srv.Next(nil)
		if !done {
			session.SetPendingAuth(srv, "")
			return SMTPResult{Code: 334, Message: base64.StdEncoding.EncodeToString(challenge)}, nil
		}
		return finishAuth(session, err)
	}

	challenge, done, err := srv.Next(response)
	if done {
		return finishAuth(session, err)
	}
	if err != nil {
		session.ClearPendingAuth()
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
	session.SetPendingAuth(srv, "")
	return SMTPResult{Code: 334, Message: base64.StdEncoding.EncodeToString(challenge)}, nil
}

// finishAuth maps the terminal outcome of a SASL exchange to its SMTP reply.
func finishAuth(session *SMTPSession, err error) (SMTPResult, error) {
	session.ClearPendingAuth()
	switch {
	case err == nil:
		return SMTPResult{Code: 235, Message: "2.7.0 Authentication successful"}, nil
	case errors.Is(err, errAuthTemp):
		return SMTPResult{Code: 454, Message: "4.7.0 Temporary authentication failure"}, nil
	default:
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
}

// ContinueAuth feeds one client line into a pending multi-turn AUTH exchange.
// line is the raw base64 text (already stripped of CRLF), or "*" to cancel
// per RFC 4954 §4.
func ContinueAuth(session *SMTPSession, line string) (SMTPResult, error) {
	srv, _, ok := session.PendingAuth()
	if !ok {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	if line == "*" {
		session.ClearPendingAuth()
		return SMTPResult{Code: 501, Message: "5.0.0 Authentication cancelled"}, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		session.ClearPendingAuth()
		return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}, nil
	}

	return continueAuth(session, srv, decoded, true)
}
