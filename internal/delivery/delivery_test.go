package delivery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/rishavghosh108/mrx-mta/internal/model"
)

// fakeResolver is a Resolver fake with scripted MX/A results.
type fakeResolver struct {
	mx      map[string][]*net.MX
	mxErr   map[string]error
	hostErr map[string]error
}

func (f *fakeResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	if err, ok := f.mxErr[domain]; ok {
		return nil, err
	}
	return f.mx[domain], nil
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if err, ok := f.hostErr[host]; ok {
		return nil, err
	}
	return []string{"127.0.0.1"}, nil
}

func TestResolveMXOrdersByPriority(t *testing.T) {
	resolver := &fakeResolver{
		mx: map[string][]*net.MX{
			"example.com": {
				{Host: "mx2.example.com.", Pref: 20},
				{Host: "mx1.example.com.", Pref: 10},
				{Host: "mx3.example.com.", Pref: 30},
			},
		},
	}
	svc := New(resolver, DefaultConfig(), nil)

	hosts, err := svc.resolveMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("resolveMX: %v", err)
	}
	want := []string{"mx1.example.com", "mx2.example.com", "mx3.example.com"}
	if len(hosts) != len(want) {
		t.Fatalf("expected %d hosts, got %v", len(want), hosts)
	}
	for i, h := range want {
		if hosts[i] != h {
			t.Errorf("position %d: expected %s, got %s", i, h, hosts[i])
		}
	}
}

func TestResolveMXFallsBackToA(t *testing.T) {
	resolver := &fakeResolver{
		mxErr: map[string]error{"example.com": errors.New("no MX records found")},
	}
	svc := New(resolver, DefaultConfig(), nil)

	hosts, err := svc.resolveMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("resolveMX: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != "example.com" {
		t.Errorf("expected A-record fallback to the domain itself, got %v", hosts)
	}
}

func TestResolveMXFailsWithoutFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MXFallbackToA = false
	resolver := &fakeResolver{
		mxErr: map[string]error{"example.com": errors.New("no MX records found")},
	}
	svc := New(resolver, cfg, nil)

	_, err := svc.resolveMX(context.Background(), "example.com")
	if err == nil {
		t.Fatal("expected an error when MX lookup fails and A fallback is disabled")
	}
}

func TestDeliverNoMXRecordsBouncesAllRecipients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MXFallbackToA = false
	resolver := &fakeResolver{
		mxErr: map[string]error{"nowhere.example": errors.New("no MX records found")},
	}
	svc := New(resolver, cfg, nil)

	msg := &model.QueuedMessage{
		QueueID: "q1",
		Envelope: model.Envelope{
			Sender:     "sender@example.com",
			Recipients: []string{"a@nowhere.example", "b@nowhere.example"},
		},
		RecipientStatus: make(map[string]model.RecipientState),
	}

	outcomes := svc.Deliver(context.Background(), msg)
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Code != 550 {
			t.Errorf("expected 550 for %s, got %d", o.Recipient, o.Code)
		}
	}
}

func TestRemove(t *testing.T) {
	all := []string{"a", "b", "c"}
	got := remove(all, []string{"b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("unexpected result: %v", got)
	}

	if got := remove(all, nil); len(got) != 3 {
		t.Errorf("expected no-op for empty exclude, got %v", got)
	}
}

func TestOutcomeAll(t *testing.T) {
	out := outcomeAll([]string{"a@example.com", "b@example.com"}, 450, "deferred", "mx.example.com")
	if len(out) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(out))
	}
	for _, o := range out {
		if o.Code != 450 || o.Message != "deferred" || o.MXHost != "mx.example.com" {
			t.Errorf("unexpected outcome: %+v", o)
		}
	}
}
