package model

import "testing"

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{
			name:    "valid with sender",
			env:     Envelope{Sender: "a@example.com", Recipients: []string{"b@example.com"}},
			wantErr: nil,
		},
		{
			name:    "valid null sender",
			env:     Envelope{Sender: "", Recipients: []string{"b@example.com"}},
			wantErr: nil,
		},
		{
			name:    "no recipients",
			env:     Envelope{Sender: "a@example.com"},
			wantErr: ErrNoRecipients,
		},
		{
			name:    "invalid sender",
			env:     Envelope{Sender: "not-an-address", Recipients: []string{"b@example.com"}},
			wantErr: ErrInvalidSender,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if err != tc.wantErr {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestIsValidMailbox(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"user@example.com", true},
		{"user@sub.example.com", true},
		{"", false},
		{"no-at-sign", false},
		{"@example.com", false},
		{"user@", false},
		{"user@nodot", false},
		{"has space@example.com", false},
		{"user@exa mple.com", false},
	}

	for _, tc := range tests {
		if got := IsValidMailbox(tc.addr); got != tc.want {
			t.Errorf("IsValidMailbox(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"user@example.com", "example.com"},
		{"user@sub.example.com", "sub.example.com"},
		{"no-at-sign", ""},
	}

	for _, tc := range tests {
		if got := DomainOf(tc.addr); got != tc.want {
			t.Errorf("DomainOf(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestQueuedMessagePendingRecipients(t *testing.T) {
	msg := QueuedMessage{
		Envelope: Envelope{Recipients: []string{"a@example.com", "b@example.com", "c@example.com"}},
		RecipientStatus: map[string]RecipientState{
			"a@example.com": {State: RecipientDelivered},
			"b@example.com": {State: RecipientDeferred},
		},
	}

	pending := msg.PendingRecipients()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending recipients, got %d: %v", len(pending), pending)
	}
	if pending[0] != "b@example.com" || pending[1] != "c@example.com" {
		t.Errorf("unexpected pending set: %v", pending)
	}
}

func TestQueuedMessageRecomputeStatus(t *testing.T) {
	tests := []struct {
		name   string
		states map[string]RecipientLifecycle
		want   Status
	}{
		{
			name:   "all delivered",
			states: map[string]RecipientLifecycle{"a@example.com": RecipientDelivered, "b@example.com": RecipientDelivered},
			want:   StatusDelivered,
		},
		{
			name:   "one bounce one delivered",
			states: map[string]RecipientLifecycle{"a@example.com": RecipientDelivered, "b@example.com": RecipientBounce},
			want:   StatusBounce,
		},
		{
			name:   "one pending",
			states: map[string]RecipientLifecycle{"a@example.com": RecipientDelivered, "b@example.com": RecipientPending},
			want:   StatusDeferred,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := QueuedMessage{
				Status:          StatusActive,
				Envelope:        Envelope{Recipients: []string{"a@example.com", "b@example.com"}},
				RecipientStatus: make(map[string]RecipientState),
			}
			for r, state := range tc.states {
				msg.RecipientStatus[r] = RecipientState{State: state}
			}
			msg.RecomputeStatus()
			if msg.Status != tc.want {
				t.Errorf("expected status %s, got %s", tc.want, msg.Status)
			}
		})
	}
}
