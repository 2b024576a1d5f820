// Package escalation inspects sandbox permission-denial messages and
// proposes the minimal policy escalation that would unblock the call.
// Security-critical operations (run, ffi) are never auto-escalated.
package escalation

import (
	"regexp"
	"strings"
)

// Operation is the sandboxed operation class parsed from a denial message.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
	OpNet   Operation = "net"
	OpEnv   Operation = "env"
	OpRun   Operation = "run"
	OpFFI   Operation = "ffi"
)

// PermissionSet names a policy tier in the escalation graph.
type PermissionSet string

const (
	SetMinimal     PermissionSet = "minimal"
	SetReadonly    PermissionSet = "readonly"
	SetFilesystem  PermissionSet = "filesystem"
	SetNetworkAPI  PermissionSet = "network-api"
	SetMCPStandard PermissionSet = "mcp-standard"
	SetTrusted     PermissionSet = "trusted"
)

// Suggestion is a proposed escalation from the current permission set.
type Suggestion struct {
	CurrentSet        PermissionSet `json:"currentSet"`
	RequestedSet      PermissionSet `json:"requestedSet"`
	Reason            string        `json:"reason"`
	DetectedOperation Operation     `json:"detectedOperation"`
	Resource          string        `json:"resource,omitempty"`
	Confidence        float64       `json:"confidence"`
}

// denialPatterns maps operation kinds to the denial messages the sandbox
// runtime produces. The first capture group, when present, is the resource.
var denialPatterns = []struct {
	op Operation
	re *regexp.Regexp
}{
	{OpRead, regexp.MustCompile(`(?i)requires? read access(?: to)? "?([^",\s]+)?`)},
	{OpWrite, regexp.MustCompile(`(?i)requires? write access(?: to)? "?([^",\s]+)?`)},
	{OpNet, regexp.MustCompile(`(?i)requires? net(?:work)? access(?: to)? "?([^",\s]+)?`)},
	{OpEnv, regexp.MustCompile(`(?i)requires? env access(?: to)? "?([^",\s]+)?`)},
	{OpRun, regexp.MustCompile(`(?i)requires? run access(?: to)? "?([^",\s]+)?`)},
	{OpFFI, regexp.MustCompile(`(?i)requires? ffi access(?: to)? "?([^",\s]+)?`)},
}

// minimalProvider is the smallest permission set providing each operation.
var minimalProvider = map[Operation]PermissionSet{
	OpRead:  SetReadonly,
	OpWrite: SetFilesystem,
	OpNet:   SetNetworkAPI,
	OpEnv:   SetMCPStandard,
}

// escalationEdges is the directed graph of allowed transitions. "trusted"
// is never reachable by escalation.
var escalationEdges = map[PermissionSet][]PermissionSet{
	SetMinimal:     {SetReadonly, SetFilesystem, SetNetworkAPI, SetMCPStandard},
	SetReadonly:    {SetFilesystem, SetMCPStandard},
	SetFilesystem:  {SetMCPStandard},
	SetNetworkAPI:  {SetMCPStandard},
	SetMCPStandard: {},
}

// providesOp reports whether a permission set covers an operation.
// Tiers are cumulative in the order readonly < filesystem < network-api
// < mcp-standard for the operations each one introduces.
func providesOp(set PermissionSet, op Operation) bool {
	switch op {
	case OpRead:
		return set == SetReadonly || set == SetFilesystem || set == SetNetworkAPI || set == SetMCPStandard
	case OpWrite:
		return set == SetFilesystem || set == SetMCPStandard
	case OpNet:
		return set == SetNetworkAPI || set == SetMCPStandard
	case OpEnv:
		return set == SetMCPStandard
	default:
		return false
	}
}

// orderedTargets is the in-order walk list used when no direct edge exists.
var orderedTargets = []PermissionSet{SetReadonly, SetFilesystem, SetNetworkAPI, SetMCPStandard}

func hasEdge(from, to PermissionSet) bool {
	for _, t := range escalationEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Suggest analyzes a sandbox denial message and returns the minimal
// escalation, or nil when no safe suggestion exists.
func Suggest(message string, current PermissionSet) *Suggestion {
	var op Operation
	var resource string
	matched := false
	for _, p := range denialPatterns {
		if m := p.re.FindStringSubmatch(message); m != nil {
			op = p.op
			if len(m) > 1 {
				resource = strings.TrimRight(m[1], `".,`)
			}
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	// Never auto-escalate security-critical operations.
	if op == OpRun || op == OpFFI {
		return nil
	}

	target, ok := minimalProvider[op]
	if !ok {
		return nil
	}

	if !hasEdge(current, target) {
		// Walk the ordered list for the first reachable provider.
		target = ""
		for _, t := range orderedTargets {
			if hasEdge(current, t) && providesOp(t, op) {
				target = t
				break
			}
		}
		if target == "" {
			return nil
		}
	}

	confidence := 0.7
	if resource != "" {
		confidence += 0.15
	}
	if op == OpNet && (strings.HasPrefix(resource, "https://") || strings.Contains(resource, ":443")) {
		confidence += 0.10
	}
	if (op == OpRead || op == OpWrite) && strings.HasPrefix(resource, "/") {
		confidence += 0.05
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	return &Suggestion{
		CurrentSet:        current,
		RequestedSet:      target,
		Reason:            "tool requires " + string(op) + " access",
		DetectedOperation: op,
		Resource:          resource,
		Confidence:        confidence,
	}
}
