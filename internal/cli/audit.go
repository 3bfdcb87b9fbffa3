package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/internal/logging"
)

// AuditEntry is one line of .stackr/audit.log.
type AuditEntry struct {
	Timestamp string         `json:"timestamp"`
	Operation string         `json:"operation"` // "apply", "destroy", "import", "taint", "state.rm", "state.mv"
	User      string         `json:"user"`
	Workspace string         `json:"workspace"`
	RunID     string         `json:"runId,omitempty"`
	Status    string         `json:"status,omitempty"`
	Serial    int            `json:"serial,omitempty"`
	Changes   []AuditChange  `json:"changes,omitempty"`
	Summary   map[string]int `json:"summary,omitempty"`
	// Unreversed lists resources a failed rollback left behind that the
	// store does not record.
	Unreversed []AuditChange `json:"unreversed,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type AuditChange struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	Status     string `json:"status,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

func auditLogPath(dir string) string {
	return filepath.Join(dir, "audit.log")
}

// writeAudit records a run. Failures are logged and otherwise ignored.
func writeAudit(op string, plan *ir.Plan, result *ir.RunResult, runErr error) {
	entry := AuditEntry{Operation: op}
	if plan != nil && plan.Summary != nil {
		entry.Summary = map[string]int{
			"create":  plan.Summary.Create,
			"update":  plan.Summary.Update,
			"delete":  plan.Summary.Delete,
			"replace": plan.Summary.Replace,
		}
	}
	if result != nil {
		entry.RunID = result.RunID
		entry.Status = string(result.Status)
		if result.Committed && result.Snapshot != nil {
			entry.Serial = result.Snapshot.Serial
		}
		for _, rec := range result.Records {
			if rec.Step.Action == ir.ActionNoOp {
				continue
			}
			entry.Changes = append(entry.Changes, AuditChange{
				ID:         rec.Step.ID(),
				Action:     string(rec.Step.Action),
				Status:     string(rec.Status),
				ExternalID: rec.ExternalID,
			})
		}
		for _, u := range result.Unreversed {
			entry.Unreversed = append(entry.Unreversed, AuditChange{
				ID:         u.ID,
				Action:     string(u.Action),
				ExternalID: u.ExternalID,
			})
		}
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := appendAudit(entry); err != nil {
		logging.Warn("failed to write audit log", "error", err)
	}
}

func appendAudit(entry AuditEntry) error {
	dir, err := stackrDir()
	if err != nil {
		return err
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}
	if entry.Workspace == "" {
		entry.Workspace = currentWorkspace(dir)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(auditLogPath(dir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}
