package escalation

import "testing"

// ─── Parsing + suggestion ────────────────────────────────────

func TestSuggestNetEscalation(t *testing.T) {
	s := Suggest("PermissionDenied: Requires net access to api.example.com:443", SetMinimal)
	if s == nil {
		t.Fatal("Suggest() returned nil for a net denial")
	}
	if s.DetectedOperation != OpNet {
		t.Errorf("DetectedOperation = %q, want %q", s.DetectedOperation, OpNet)
	}
	if s.RequestedSet != SetNetworkAPI {
		t.Errorf("RequestedSet = %q, want %q", s.RequestedSet, SetNetworkAPI)
	}
	if s.Resource != "api.example.com:443" {
		t.Errorf("Resource = %q, want %q", s.Resource, "api.example.com:443")
	}
	// 0.7 base + 0.15 resource + 0.10 port 443
	if s.Confidence < 0.94 || s.Confidence > 0.951 {
		t.Errorf("Confidence = %f, want 0.95", s.Confidence)
	}
}

func TestSuggestReadAbsolutePath(t *testing.T) {
	s := Suggest(`Requires read access to "/etc/hosts"`, SetMinimal)
	if s == nil {
		t.Fatal("Suggest() returned nil for a read denial")
	}
	if s.RequestedSet != SetReadonly {
		t.Errorf("RequestedSet = %q, want %q", s.RequestedSet, SetReadonly)
	}
	// 0.7 + 0.15 resource + 0.05 absolute path
	if s.Confidence < 0.89 || s.Confidence > 0.91 {
		t.Errorf("Confidence = %f, want 0.90", s.Confidence)
	}
}

func TestSuggestWriteFromReadonly(t *testing.T) {
	s := Suggest("Requires write access to /tmp/out", SetReadonly)
	if s == nil {
		t.Fatal("Suggest() returned nil for a write denial")
	}
	if s.RequestedSet != SetFilesystem {
		t.Errorf("RequestedSet = %q, want %q", s.RequestedSet, SetFilesystem)
	}
}

func TestEnvRequiresMCPStandard(t *testing.T) {
	s := Suggest("Requires env access to HOME", SetReadonly)
	if s == nil {
		t.Fatal("Suggest() returned nil for an env denial")
	}
	if s.RequestedSet != SetMCPStandard {
		t.Errorf("RequestedSet = %q, want %q", s.RequestedSet, SetMCPStandard)
	}
}

// ─── Refusals ────────────────────────────────────────────────

func TestNeverEscalateRun(t *testing.T) {
	if s := Suggest("Requires run access to /bin/sh", SetMinimal); s != nil {
		t.Errorf("Suggest() for run denial = %+v, want nil", s)
	}
}

func TestNeverEscalateFFI(t *testing.T) {
	if s := Suggest("Requires ffi access to libc.so", SetMinimal); s != nil {
		t.Errorf("Suggest() for ffi denial = %+v, want nil", s)
	}
}

func TestNoMatchReturnsNil(t *testing.T) {
	if s := Suggest("TypeError: undefined is not a function", SetMinimal); s != nil {
		t.Errorf("Suggest() for non-permission error = %+v, want nil", s)
	}
}

func TestNetUnreachableFromFilesystem(t *testing.T) {
	// filesystem's only edge is mcp-standard, which also provides net.
	s := Suggest("Requires net access to example.org", SetFilesystem)
	if s == nil {
		t.Fatal("Suggest() returned nil; mcp-standard is reachable and provides net")
	}
	if s.RequestedSet != SetMCPStandard {
		t.Errorf("RequestedSet = %q, want %q", s.RequestedSet, SetMCPStandard)
	}
}

func TestDeadEndFromMCPStandard(t *testing.T) {
	// mcp-standard has no outgoing edges; nothing to suggest.
	if s := Suggest("Requires net access to example.org", SetMCPStandard); s != nil {
		t.Errorf("Suggest() from mcp-standard = %+v, want nil", s)
	}
}
