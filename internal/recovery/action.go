// Package recovery heals failed workflow steps: it replays known-good fixes
// from the knowledge base, falls back to proposed fixes, and escalates when
// nothing works.
package recovery

import (
	"encoding/json"
	"maps"
	"strings"
)

// ActionType names one of the five recovery strategies.
type ActionType string

const (
	Retry          ActionType = "retry"
	RefreshSession ActionType = "refresh_session"
	ChangeSelector ActionType = "change_selector"
	Wait           ActionType = "wait"
	Fallback       ActionType = "fallback"
)

// ActionTypes lists every known action type.
var ActionTypes = []ActionType{Retry, RefreshSession, ChangeSelector, Wait, Fallback}

// Known reports whether t is one of the five strategies.
func (t ActionType) Known() bool {
	for _, k := range ActionTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Action is one recovery step, either a candidate or an attempted record.
type Action struct {
	Type        ActionType        `json:"type"`
	Description string            `json:"description"`
	Automated   bool              `json:"automated"`
	Executed    bool              `json:"executed"`
	Success     bool              `json:"success"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// sameFix reports whether a and b describe the same fix, ignoring outcome.
func sameFix(a, b Action) bool {
	return a.Type == b.Type && maps.Equal(a.Parameters, b.Parameters)
}

func (a Action) clone() Action {
	a.Parameters = maps.Clone(a.Parameters)
	return a
}

func (a Action) param(key string) string {
	return strings.TrimSpace(a.Parameters[key])
}

// EncodeActions renders actions as a JSON array. A nil slice becomes "[]".
func EncodeActions(actions []Action) string {
	if len(actions) == 0 {
		return "[]"
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeActions parses a JSON array of actions, dropping entries of unknown
// type.
func DecodeActions(raw string) ([]Action, error) {
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, err
	}
	out := actions[:0]
	for _, a := range actions {
		if a.Type.Known() {
			out = append(out, a)
		}
	}
	return out, nil
}
