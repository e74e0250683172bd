// Package tools implements the Tool Context Service: a three-stage gate in
// front of the fixed tool enumeration, producing audited, size-bounded
// ToolResult envelopes for the Agent Runner.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
	"github.com/tidwall/sjson"

	"github.com/sredebate/engine/graph/tool"
	"github.com/sredebate/engine/internal/debate"
	"github.com/sredebate/engine/internal/registry"
)

// Kind enumerates the fixed tool set from the spec.
type Kind string

const (
	KindLocalLogReader         Kind = "local_log_reader"
	KindDomainTableLookup      Kind = "domain_table_lookup"
	KindSourceRepoSearch       Kind = "source_repo_search"
	KindChangeWindowScanner    Kind = "change_window_scanner"
	KindMetricsSnapshotAnalyzer Kind = "metrics_snapshot_analyzer"
	KindRunbookCaseLibrary     Kind = "runbook_case_library"
)

// AllKinds lists every Kind in a stable order, used to validate config and
// build the default tool table.
var AllKinds = []Kind{
	KindLocalLogReader, KindDomainTableLookup, KindSourceRepoSearch,
	KindChangeWindowScanner, KindMetricsSnapshotAnalyzer, KindRunbookCaseLibrary,
}

// Status classifies the outcome of one tool invocation.
type Status string

const (
	StatusOK              Status = "ok"
	StatusDisabled        Status = "disabled"
	StatusUnavailable     Status = "unavailable"
	StatusSkipped         Status = "skipped"
	StatusSkippedByCommand Status = "skipped_by_command"
	StatusError           Status = "error"
)

// Result is the envelope returned for every tool invocation attempt,
// whether or not the gate allowed it through.
type Result struct {
	Status      Status                 `json:"status"`
	Summary     string                 `json:"summary"`
	DataPreview map[string]interface{} `json:"data_preview"`
	DataFull    map[string]interface{} `json:"data_full"`
	Audit       []AuditRecord          `json:"audit"`
}

// AuditRecord captures one gate decision or invocation outcome.
type AuditRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	Action            string    `json:"action"`
	Status            Status    `json:"status"`
	ParametersRedacted string   `json:"parameters_redacted"`
	OutcomeSummary    string    `json:"outcome_summary"`
}

// ToolCapabilityDeniedError is returned when the role allow-list stage
// rejects an invocation. The enable and command-permission stages do not
// return it; they return a Result with a non-ok Status and a nil error.
type ToolCapabilityDeniedError struct {
	Kind   Kind
	Reason string
}

func (e *ToolCapabilityDeniedError) Error() string {
	return fmt.Sprintf("tool capability denied for %q: %s", e.Kind, e.Reason)
}

// previewDepthLimit bounds how much of a tool's full data is echoed back into
// the prompt context; "." with a depth cap keeps object shape while
// dropping deeply nested noise.
const previewDepthLimit = 2

// Service implements the three-stage gate: global enable, command
// permission, and role allow-list, wrapping each registered tool.Tool.
type Service struct {
	enabled map[Kind]bool
	impls   map[Kind]tool.Tool
	preview *gojq.Code
}

// NewService builds a Service over the given tool implementations, enabled
// per the supplied config map (kind -> enabled).
func NewService(impls map[Kind]tool.Tool, enabled map[Kind]bool) (*Service, error) {
	query, err := gojq.Parse(".")
	if err != nil {
		return nil, fmt.Errorf("tools: parse preview query: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("tools: compile preview query: %w", err)
	}
	return &Service{enabled: enabled, impls: impls, preview: code}, nil
}

// Invoke runs the three-stage gate for one (kind, role, command) triple and
// then executes the tool, producing a Result with audit trail regardless of
// outcome.
func (s *Service) Invoke(ctx context.Context, kind Kind, role registry.AgentRole, cmd debate.Command, params map[string]interface{}) (Result, error) {
	redacted := redactParams(params)

	if !s.enabled[kind] {
		return s.denied(kind, StatusDisabled, "tool_disabled_in_config", redacted)
	}
	if err := checkCommandPermission(kind, cmd); err != nil {
		return s.denied(kind, StatusSkippedByCommand, err.Error(), redacted)
	}
	impl, ok := s.impls[kind]
	if !ok {
		return s.denied(kind, StatusUnavailable, "no implementation registered", redacted)
	}
	if !roleAllowed(kind, role) {
		return Result{}, &ToolCapabilityDeniedError{Kind: kind, Reason: fmt.Sprintf("role %q not in allow-list", role)}
	}

	full, err := impl.Call(ctx, params)
	now := time.Now()
	if err != nil {
		rec := AuditRecord{Timestamp: now, Action: string(kind), Status: StatusError, ParametersRedacted: redacted, OutcomeSummary: err.Error()}
		return Result{Status: StatusError, Summary: err.Error(), Audit: []AuditRecord{rec}}, nil
	}

	preview, perr := s.boundedPreview(full)
	if perr != nil {
		preview = full
	}
	rec := AuditRecord{Timestamp: now, Action: string(kind), Status: StatusOK, ParametersRedacted: redacted, OutcomeSummary: "invocation succeeded"}
	return Result{
		Status:      StatusOK,
		Summary:     fmt.Sprintf("%s returned %d top-level fields", kind, len(full)),
		DataPreview: preview,
		DataFull:    full,
		Audit:       []AuditRecord{rec},
	}, nil
}

func (s *Service) denied(kind Kind, status Status, reason, redacted string) (Result, error) {
	rec := AuditRecord{Timestamp: time.Now(), Action: string(kind), Status: status, ParametersRedacted: redacted, OutcomeSummary: reason}
	return Result{Status: status, Summary: reason, Audit: []AuditRecord{rec}}, nil
}

// boundedPreview runs the compiled gojq identity query over a depth-bounded
// copy of the tool's full output, so large nested payloads never blow up
// the agent's prompt context.
func (s *Service) boundedPreview(full map[string]interface{}) (map[string]interface{}, error) {
	bounded := truncateDepth(full, previewDepthLimit)
	iter := s.preview.Run(bounded)
	v, ok := iter.Next()
	if !ok {
		return bounded, nil
	}
	if err, ok := v.(error); ok {
		return nil, err
	}
	out, ok := v.(map[string]interface{})
	if !ok {
		return bounded, nil
	}
	return out, nil
}

func truncateDepth(v interface{}, depth int) map[string]interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	if depth <= 0 {
		out := map[string]interface{}{}
		for k := range m {
			out[k] = "<truncated>"
		}
		return out
	}
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		switch nested := val.(type) {
		case map[string]interface{}:
			out[k] = truncateDepth(nested, depth-1)
		default:
			out[k] = nested
		}
	}
	return out
}

// checkCommandPermission enforces gate stage two: the command's UseTool
// field and ToolTargets must permit this specific kind.
func checkCommandPermission(kind Kind, cmd debate.Command) error {
	if cmd.UseTool == debate.ToolForbidden {
		return fmt.Errorf("command use_tool=forbidden")
	}
	if cmd.UseTool == "" {
		return fmt.Errorf("command carries no use_tool directive")
	}
	if len(cmd.ToolTargets) == 0 {
		if cmd.UseTool == debate.ToolRequired {
			return fmt.Errorf("command requires a tool but lists no tool_targets")
		}
		return fmt.Errorf("command lists no tool_targets")
	}
	for _, t := range cmd.ToolTargets {
		if t == string(kind) {
			return nil
		}
	}
	return fmt.Errorf("tool_targets does not include %q", kind)
}

// roleAllow is gate stage three: which roles may ever use which tool kind.
var roleAllow = map[Kind][]registry.AgentRole{
	KindLocalLogReader:          {registry.RoleLog, registry.RoleRebuttal},
	KindDomainTableLookup:       {registry.RoleDomain, registry.RoleRebuttal},
	KindSourceRepoSearch:        {registry.RoleCode, registry.RoleRebuttal},
	KindChangeWindowScanner:     {registry.RoleChange},
	KindMetricsSnapshotAnalyzer: {registry.RoleMetrics},
	KindRunbookCaseLibrary:      {registry.RoleRunbook, registry.RoleVerification},
}

func roleAllowed(kind Kind, role registry.AgentRole) bool {
	for _, r := range roleAllow[kind] {
		if r == role {
			return true
		}
	}
	return false
}

// redactParams renders params for the audit log with any key that looks
// like a credential replaced, never the raw value. It marshals the params
// once and then patches sensitive fields in place with sjson, rather than
// building a second copy of the map, since the audit log only ever needs
// the JSON text form.
func redactParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	out := string(raw)
	for k := range params {
		if !isSensitiveKey(k) {
			continue
		}
		patched, err := sjson.Set(out, k, "<redacted>")
		if err != nil {
			continue
		}
		out = patched
	}
	return out
}

func isSensitiveKey(k string) bool {
	switch k {
	case "token", "api_key", "password", "secret", "authorization":
		return true
	default:
		return false
	}
}
