package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
)

// Status is the lifecycle state of a job record. The zero value is invalid.
type Status uint8

const (
	StatusQueued Status = iota + 1
	StatusProcessing
	StatusComplete
	StatusFailed
)

var statusNames = map[Status]string{
	StatusQueued:     "queued",
	StatusProcessing: "processing",
	StatusComplete:   "complete",
	StatusFailed:     "failed",
}

// transitions lists, for every target status, the statuses it may be entered from.
// processing -> processing is the re-assertion made by a redelivered attempt.
var transitions = map[Status][]Status{
	StatusProcessing: {StatusQueued, StatusProcessing},
	StatusComplete:   {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

func ParseStatus(v string) (Status, error) {
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", v)
}

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[to], from)
}

// PredecessorsOf returns the status names a record must currently hold to
// be moved into to. It is used to guard updates in SQL.
func PredecessorsOf(to Status) []string {
	from := transitions[to]
	names := make([]string, 0, len(from))
	for _, s := range from {
		names = append(names, s.String())
	}
	return names
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal job status: invalid value %d", uint8(s))
	}
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("store job status: invalid value %d", uint8(s))
	}
	return s.String(), nil
}

func (s *Status) Scan(src any) error {
	var v string
	switch t := src.(type) {
	case string:
		v = t
	case []byte:
		v = string(t)
	default:
		return fmt.Errorf("scan job status: unsupported type %T", src)
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
