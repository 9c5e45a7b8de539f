// Package delivery implements DeliveryService: MX resolution with
// A-record fallback, per-domain fanout and concurrency gate, a hand-rolled
// outbound SMTP client with opportunistic STARTTLS, and SMTP reply
// classification into terminal/transient outcomes.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rishavghosh108/mrx-mta/internal/model"
	"github.com/rishavghosh108/mrx-mta/internal/queue"
)

// Resolver is the DNS surface DeliveryService needs. *net.Resolver already
// satisfies it; tests substitute a fake.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config holds DeliveryService's timeouts and concurrency limits.
type Config struct {
	Hostname                string
	ConnectTimeout          time.Duration
	DataTimeout             time.Duration
	MaxConnectionsPerDomain int
	MXFallbackToA           bool
	SMTPPort                int
}

// DefaultConfig supplies the specification's suggested defaults.
func DefaultConfig() Config {
	return Config{
		Hostname:                "localhost",
		ConnectTimeout:          30 * time.Second,
		DataTimeout:             5 * time.Minute,
		MaxConnectionsPerDomain: 10,
		MXFallbackToA:           true,
		SMTPPort:                25,
	}
}

// Service is the DeliveryService.
type Service struct {
	resolver Resolver
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	gates  map[string]chan struct{}
}

// New constructs a DeliveryService. resolver is typically &net.Resolver{}.
func New(resolver Resolver, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{resolver: resolver, cfg: cfg, logger: logger, gates: make(map[string]chan struct{})}
}

func (s *Service) gateFor(domain string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[domain]
	if !ok {
		g = make(chan struct{}, s.cfg.MaxConnectionsPerDomain)
		s.gates[domain] = g
	}
	return g
}

// Deliver partitions the message's pending recipients by domain and
// attempts delivery to each domain's MX hosts in priority order, returning
// the classified outcome for every recipient it acted on.
func (s *Service) Deliver(ctx context.Context, msg *model.QueuedMessage) []queue.RecipientOutcome {
	byDomain := make(map[string][]string)
	for _, r := range msg.PendingRecipients() {
		d := model.DomainOf(r)
		byDomain[d] = append(byDomain[d], r)
	}

	var (
		mu      sync.Mutex
		results []queue.RecipientOutcome
		wg      sync.WaitGroup
	)
	for domain, rcpts := range byDomain {
		wg.Add(1)
		go func(domain string, rcpts []string) {
			defer wg.Done()
			out := s.deliverToDomain(ctx, domain, rcpts, msg.Envelope.Sender, msg.Envelope.MessageData, msg.QueueID)
			mu.Lock()
			results = append(results, out...)
			mu.Unlock()
		}(domain, rcpts)
	}
	wg.Wait()
	return results
}

func (s *Service) deliverToDomain(ctx context.Context, domain string, rcpts []string, sender string, data []byte, queueID string) []queue.RecipientOutcome {
	gate := s.gateFor(domain)
	select {
	case gate <- struct{}{}:
		defer func() { <-gate }()
	default:
		return outcomeAll(rcpts, 450, "Connection limit reached for domain", "")
	}

	mxHosts, err := s.resolveMX(ctx, domain)
	if err != nil || len(mxHosts) == 0 {
		return outcomeAll(rcpts, 550, "No MX records", "")
	}

	var outcomes []queue.RecipientOutcome
	pending := rcpts
	halted := false
	lastTemp := make(map[string]queue.RecipientOutcome)

	for _, mx := range mxHosts {
		results, remaining, halt := s.attemptDelivery(ctx, mx, pending, sender, data, queueID)
		for r, rep := range results {
			out := queue.RecipientOutcome{Recipient: r, Code: rep.Code, Message: rep.Message, MXHost: mx}
			if rep.Code >= 400 && rep.Code < 500 {
				lastTemp[r] = out
				remaining = append(remaining, r)
				continue
			}
			outcomes = append(outcomes, out)
		}
		pending = remaining
		if len(pending) == 0 {
			return outcomes
		}
		if halt {
			halted = true
			break
		}
	}

	if halted {
		outcomes = append(outcomes, outcomeAll(pending, 550, "Delivery failed permanently", "")...)
	} else {
		for _, r := range pending {
			if out, ok := lastTemp[r]; ok {
				outcomes = append(outcomes, out)
			} else {
				outcomes = append(outcomes, outcomeAll([]string{r}, 450, "All MX hosts unreachable or timed out", "")...)
			}
		}
	}
	return outcomes
}

func outcomeAll(rcpts []string, code int, msg, mxHost string) []queue.RecipientOutcome {
	out := make([]queue.RecipientOutcome, 0, len(rcpts))
	for _, r := range rcpts {
		out = append(out, queue.RecipientOutcome{Recipient: r, Code: code, Message: msg, MXHost: mxHost})
	}
	return out
}

// mxHost is one resolved mail-exchanger candidate.
type mxHost struct {
	Priority uint16
	Host     string
}

func (s *Service) resolveMX(ctx context.Context, domain string) ([]string, error) {
	records, err := s.resolver.LookupMX(ctx, domain)
	if err != nil || len(records) == 0 {
		if s.cfg.MXFallbackToA {
			if _, hostErr := s.resolver.LookupHost(ctx, domain); hostErr == nil {
				return []string{domain}, nil
			}
		}
		return nil, fmt.Errorf("delivery: no MX for %s: %w", domain, err)
	}

	candidates := make([]mxHost, 0, len(records))
	for _, r := range records {
		candidates = append(candidates, mxHost{Priority: r.Pref, Host: strings.TrimSuffix(r.Host, ".")})
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })

	hosts := make([]string, len(candidates))
	for i, c := range candidates {
		hosts[i] = c.Host
	}
	return hosts, nil
}

// attemptDelivery performs one full SMTP transaction against host for the
// given recipients. It returns a map of recipients that received a
// definitive reply (terminal for this attempt), the recipients still
// pending (to retry against the next MX host), and whether the caller
// should halt MX fallback entirely (a 5xx at the MAIL FROM stage is
// permanent for every recipient regardless of which MX answered).
func (s *Service) attemptDelivery(ctx context.Context, host string, rcpts []string, sender string, data []byte, queueID string) (map[string]reply, []string, bool) {
	conn, err := dial(ctx, host, s.cfg.SMTPPort, s.cfg.ConnectTimeout)
	if err != nil {
		s.logger.Debug("delivery: connect failed", "host", host, "queue_id", queueID, "error", err)
		return nil, rcpts, false
	}
	defer conn.close()
	conn.setDeadline(s.cfg.ConnectTimeout)

	greeting, err := conn.readReply()
	if err != nil {
		return nil, rcpts, false
	}
	if greeting.Code >= 500 {
		return nil, rcpts, true
	}
	if greeting.Code >= 400 {
		return nil, rcpts, false
	}

	ehlo, err := s.doEHLO(conn)
	if err != nil {
		return nil, rcpts, false
	}

	if hasCapability(ehlo, "STARTTLS") && !conn.tls {
		if err := conn.sendLine("STARTTLS"); err == nil {
			if r, err := conn.readReply(); err == nil && r.Code == 220 {
				if err := conn.upgradeToTLS(host); err == nil {
					s.doEHLO(conn) // re-issue EHLO post-handshake; capability set already consulted
				}
			}
		}
	}

	if err := conn.sendLine("MAIL FROM:<" + sender + ">"); err != nil {
		return nil, rcpts, false
	}
	mailReply, err := conn.readReply()
	if err != nil {
		return nil, rcpts, false
	}
	if mailReply.Code >= 500 {
		return nil, rcpts, true
	}
	if mailReply.Code >= 400 {
		return nil, rcpts, false
	}

	accepted := make([]string, 0, len(rcpts))
	results := make(map[string]reply, len(rcpts))
	for i, r := range rcpts {
		if err := conn.sendLine("RCPT TO:<" + r + ">"); err != nil {
			return results, append(accepted, rcpts[i:]...), false
		}
		rr, err := conn.readReply()
		if err != nil {
			return results, append(accepted, rcpts[i:]...), false
		}
		if rr.Code < 400 {
			accepted = append(accepted, r)
		} else {
			results[r] = rr
		}
	}
	if len(accepted) == 0 {
		return results, nil, false
	}

	conn.setDeadline(s.cfg.DataTimeout)
	if err := conn.sendLine("DATA"); err != nil {
		return results, remove(accepted, nil), false
	}
	dataReply, err := conn.readReply()
	if err != nil || dataReply.Code != 354 {
		for _, r := range accepted {
			results[r] = reply{Code: 450, Message: "peer refused DATA"}
		}
		return results, nil, false
	}

	if err := writeDotStuffed(conn, data); err != nil {
		for _, r := range accepted {
			results[r] = reply{Code: 450, Message: "write error during DATA"}
		}
		return results, nil, false
	}

	finalReply, err := conn.readReply()
	if err != nil {
		for _, r := range accepted {
			results[r] = reply{Code: 450, Message: "no final reply after DATA"}
		}
		return results, nil, false
	}
	for _, r := range accepted {
		results[r] = finalReply
	}

	conn.sendLine("QUIT")
	return results, nil, false
}

func (s *Service) doEHLO(conn *outboundConn) (reply, error) {
	if err := conn.sendLine("EHLO " + s.cfg.Hostname); err != nil {
		return reply{}, err
	}
	return conn.readReply()
}

func remove(all, exclude []string) []string {
	if len(exclude) == 0 {
		return all
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, a := range all {
		if _, ok := skip[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// writeDotStuffed streams message bytes line by line, prefixing a line
// that begins with "." with an extra ".", and terminates with the
// standalone "." line.
func writeDotStuffed(conn *outboundConn, data []byte) error {
	lines := bytes.Split(data, []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if bytes.HasPrefix(line, []byte(".")) {
			if _, err := conn.writer.WriteString("."); err != nil {
				return err
			}
		}
		if _, err := conn.writer.Write(line); err != nil {
			return err
		}
		if _, err := conn.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := conn.writer.WriteString(".\r\n"); err != nil {
		return err
	}
	return conn.writer.Flush()
}
