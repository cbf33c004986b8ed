package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AddFile registers a data file as part of the live set.
type AddFile struct {
	Path             string            `json:"path"`
	Size             int64             `json:"size"`
	PartitionValues  map[string]string `json:"partitionValues,omitempty"`
	ModificationTime int64             `json:"modificationTime"`
	DataChange       bool              `json:"dataChange"`
	Stats            *ColumnStats      `json:"stats,omitempty"`
}

// RemoveFile tombstones a data file as of the commit's version. The bytes
// stay on disk until vacuum ages the tombstone out.
type RemoveFile struct {
	Path              string `json:"path"`
	DeletionTimestamp int64  `json:"deletionTimestamp"`
	DataChange        bool   `json:"dataChange"`
}

// Metadata records table-level metadata: schema, partitioning, configuration.
type Metadata struct {
	ID               string            `json:"id"`
	Schema           Schema            `json:"schema"`
	PartitionColumns []string          `json:"partitionColumns,omitempty"`
	Configuration    map[string]string `json:"configuration,omitempty"`
}

// CommitInfo carries the operation record of a commit. Writers place it as
// the final action of the payload, where it doubles as the completeness
// marker for readers.
type CommitInfo struct {
	Timestamp        int64            `json:"timestamp"`
	Operation        string           `json:"operation"`
	OperationMetrics map[string]int64 `json:"operationMetrics,omitempty"`
}

// Action is a tagged variant: exactly one member is non-nil.
type Action struct {
	CommitInfo *CommitInfo `json:"commitInfo,omitempty"`
	Add        *AddFile    `json:"add,omitempty"`
	Remove     *RemoveFile `json:"remove,omitempty"`
	MetaData   *Metadata   `json:"metaData,omitempty"`
}

// Operation kinds recorded in commitInfo.
const (
	OpCreateTable = "CREATE TABLE"
	OpWrite       = "WRITE"
	OpDelete      = "DELETE"
	OpMerge       = "MERGE"
	OpOptimize    = "OPTIMIZE"
	OpVacuum      = "VACUUM"
)

func (a Action) validate() error {
	set := 0
	if a.CommitInfo != nil {
		set++
	}
	if a.Add != nil {
		set++
		if a.Add.Path == "" {
			return fmt.Errorf("add action without path")
		}
	}
	if a.Remove != nil {
		set++
		if a.Remove.Path == "" {
			return fmt.Errorf("remove action without path")
		}
	}
	if a.MetaData != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("action must have exactly one member, got %d", set)
	}
	return nil
}

// encodeActions renders a commit payload: one JSON object per action per line.
func encodeActions(actions []Action) ([]byte, error) {
	var buf bytes.Buffer
	for _, a := range actions {
		if err := a.validate(); err != nil {
			return nil, err
		}
		line, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal action: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// decodeCommit parses a commit file back into its ordered action list and
// verifies the payload is complete. Writers end every commit with the
// commitInfo trailer, so a file cut short by a crashed writer lacks it: an
// empty payload, a missing trailer, or an unparsable final line all surface
// as ErrIncompleteCommit. Damage anywhere before the final line surfaces as
// ErrCorruption.
func decodeCommit(data []byte) ([]Action, error) {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrIncompleteCommit)
	}

	actions := make([]Action, 0, len(lines))
	for i, line := range lines {
		var a Action
		if err := json.Unmarshal(line, &a); err != nil {
			if i == len(lines)-1 {
				return nil, fmt.Errorf("%w: truncated final line", ErrIncompleteCommit)
			}
			return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		if err := a.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		actions = append(actions, a)
	}
	if actions[len(actions)-1].CommitInfo == nil {
		return nil, fmt.Errorf("%w: missing commitInfo trailer", ErrIncompleteCommit)
	}
	return actions, nil
}
