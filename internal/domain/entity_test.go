package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validEntry() *RegistryEntry {
	now := time.Now()
	return &RegistryEntry{
		GUID:          NewID(),
		AgentType:     "claude-code",
		Handle:        "dev1",
		Hostname:      "h1",
		ProjectID:     ProjectID("/work/p1"),
		BrokerAddress: "nats://localhost:4222",
		Capabilities:  []string{"typescript", "review"},
		Scope:         ScopeProject,
		Visibility:    VisibilityProjectOnly,
		Status:        StatusOnline,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
}

func TestProjectID(t *testing.T) {
	a := ProjectID("/work/p1")
	if len(a) != 16 {
		t.Fatalf("len(ProjectID) = %d, want 16", len(a))
	}
	if strings.ToLower(a) != a {
		t.Errorf("ProjectID %q should be lowercase", a)
	}
	if ProjectID("/work/p1/") != a {
		t.Error("ProjectID should clean trailing slashes")
	}
	if ProjectID("/work/p2") == a {
		t.Error("different paths should hash differently")
	}
}

func TestIsUUIDv4(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{NewID(), true},
		{"", false},
		{"not-a-uuid", false},
		{"6ba7b810-9dad-11d1-80b4-00c04fd430c8", false}, // v1
		{"{" + NewID() + "}", false},
	}
	for _, tt := range tests {
		if got := IsUUIDv4(tt.in); got != tt.want {
			t.Errorf("IsUUIDv4(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidBrokerAddress(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"nats://localhost:4222", true},
		{"tls://nats.example.com:4222", true},
		{"wss://nats.example.com", true},
		{"localhost:4222", true},
		{"nats://a:4222,nats://b:4222", true},
		{"http://localhost:4222", false},
		{"localhost", false},
		{"", false},
		{"nats://", false},
	}
	for _, tt := range tests {
		if got := ValidBrokerAddress(tt.in); got != tt.want {
			t.Errorf("ValidBrokerAddress(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidateRegistryEntry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegistryEntry)
		field  string
	}{
		{"valid", func(*RegistryEntry) {}, ""},
		{"bad guid", func(e *RegistryEntry) { e.GUID = "abc" }, "guid"},
		{"empty handle", func(e *RegistryEntry) { e.Handle = " " }, "handle"},
		{"empty type", func(e *RegistryEntry) { e.AgentType = "" }, "agentType"},
		{"bad project", func(e *RegistryEntry) { e.ProjectID = "XYZ" }, "projectId"},
		{"bad broker", func(e *RegistryEntry) { e.BrokerAddress = "ftp://x" }, "brokerAddress"},
		{"dup capability", func(e *RegistryEntry) { e.Capabilities = []string{"a", "a"} }, "capabilities"},
		{"empty capability", func(e *RegistryEntry) { e.Capabilities = []string{""} }, "capabilities"},
		{"bad scope", func(e *RegistryEntry) { e.Scope = "global" }, "scope"},
		{"bad visibility", func(e *RegistryEntry) { e.Visibility = "team" }, "visibility"},
		{"bad status", func(e *RegistryEntry) { e.Status = "idle" }, "status"},
		{"negative tasks", func(e *RegistryEntry) { e.CurrentTaskCount = -1 }, "currentTaskCount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEntry()
			tt.mutate(e)
			err := ValidateRegistryEntry(e)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("errors.Is(err, ErrValidation) should hold")
			}
		})
	}
}

func TestValidateWorkItem(t *testing.T) {
	ok := &WorkItem{ID: NewID(), Capability: "ts", Priority: 7}
	if err := ValidateWorkItem(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	noPriority := &WorkItem{ID: NewID(), Capability: "ts"}
	if err := ValidateWorkItem(noPriority); err != nil {
		t.Errorf("priority is optional: %v", err)
	}
	for _, bad := range []*WorkItem{
		{ID: "x", Capability: "ts"},
		{ID: NewID(), Capability: ""},
		{ID: NewID(), Capability: "ts", Priority: 11},
		{ID: NewID(), Capability: "ts", Priority: -1},
	} {
		if err := ValidateWorkItem(bad); !errors.Is(err, ErrValidation) {
			t.Errorf("ValidateWorkItem(%+v) = %v, want validation error", bad, err)
		}
	}
}

func TestAssignmentStatusTerminal(t *testing.T) {
	for s, want := range map[AssignmentStatus]bool{
		AssignmentPending:    false,
		AssignmentAssigned:   false,
		AssignmentInProgress: false,
		AssignmentCompleted:  true,
		AssignmentFailed:     true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, !want, want)
		}
	}
}

func TestBrokerErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapBroker("publish", "work.ts", cause)
	if !errors.Is(err, cause) {
		t.Error("BrokerError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "publish work.ts") {
		t.Errorf("error should name op and target: %v", err)
	}
	if WrapBroker("x", "y", nil) != nil {
		t.Error("WrapBroker(nil) should be nil")
	}
	nf := NotFoundf("dead letter item %s", "abc")
	if !errors.Is(nf, ErrNotFound) || !strings.Contains(nf.Error(), "abc") {
		t.Errorf("NotFoundf = %v", nf)
	}
}
