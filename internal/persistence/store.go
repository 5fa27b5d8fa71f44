// Package persistence provides WorkflowStateRepository implementations and
// the gob codec used for payloads stored on instances.
package persistence

import (
	"bytes"
	"encoding/gob"
	"slices"

	"github.com/petrijr/stepflow/pkg/api"
)

var terminalStatuses = []api.Status{api.StatusCompleted, api.StatusFailed}

func encodeHistory(h []api.HistoryEntry) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHistory(data []byte) ([]api.HistoryEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var h []api.HistoryEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&h); err != nil {
		return nil, err
	}
	return h, nil
}

// encodeInstance serializes the whole aggregate for key/value backends.
func encodeInstance(inst *api.WorkflowInstance) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(inst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeInstance(data []byte) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// sortInstances orders by creation time, then run id.
func sortInstances(list []*api.WorkflowInstance) {
	slices.SortFunc(list, func(a, b *api.WorkflowInstance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.RunID < b.RunID:
			return -1
		case a.RunID > b.RunID:
			return 1
		}
		return 0
	})
}
