package catalog

import (
	"errors"
	"fmt"
)

// ErrWorkspaceUnresolved indicates that no workspace location was configured
// for the coordinator. There is no safe default; the operation aborts.
var ErrWorkspaceUnresolved = errors.New("workspace location is not configured")

// WarningStage identifies which step of the attachment sequence a
// per-datasource warning came from.
type WarningStage string

const (
	StageProbe    WarningStage = "probe"
	StageAttach   WarningStage = "attach"
	StageMetadata WarningStage = "metadata"
)

// Warning records a non-fatal per-datasource failure during orchestration.
// The datasource is skipped; the session continues with the rest.
type Warning struct {
	DatasourceID string       `json:"datasource_id"`
	Stage        WarningStage `json:"stage"`
	Err          error        `json:"-"`
}

func (w Warning) Error() string {
	return fmt.Sprintf("datasource %s: %s failed: %v", w.DatasourceID, w.Stage, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}

// Message is the warning rendered for JSON responses and logs.
func (w Warning) Message() string {
	return w.Error()
}
