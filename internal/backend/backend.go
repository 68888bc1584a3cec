// Package backend dispatches prepared work units onto an execution strategy:
// a local worker pool, a swarm batch-scheduler submission, or inert staging.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/me/cromrunner/internal/unit"
)

// Kind identifies a dispatch strategy.
type Kind string

const (
	KindLocal Kind = "local"
	KindSwarm Kind = "swarm"
	KindStage Kind = "stage"
)

// Kinds lists the supported strategies in display order.
var Kinds = []Kind{KindLocal, KindSwarm, KindStage}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown backend %q (want one of %s)", s, kindList())
}

func kindList() string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// Dispatcher turns a list of units into executions or submission artifacts.
// Every strategy triggers unit preparation itself. A unit that fails is
// recorded in the Result and does not stop its siblings; the returned error
// is reserved for batch-level failures such as cancellation.
type Dispatcher interface {
	Kind() Kind
	Dispatch(ctx context.Context, units []*unit.Unit) (*Result, error)
}

// Recorder is notified once per unit as soon as its outcome is known.
type Recorder interface {
	RecordUnit(ctx context.Context, res *unit.Result) error
}

// Result collects the per-unit outcomes of one dispatch.
type Result struct {
	Kind  Kind
	Units []*unit.Result
	// Artifact is the file the caller acts on next: the submission script
	// for swarm, the staged script for stage, empty for local.
	Artifact string
	// TaskList is the swarm task-list file.
	TaskList string
}

// Succeeded counts units whose state is SUCCESS or PREPARED.
func (r *Result) Succeeded() int {
	n := 0
	for _, u := range r.Units {
		if u.Succeeded() {
			n++
		}
	}
	return n
}

// Failed counts units that did not succeed, cancelled ones included.
func (r *Result) Failed() int {
	return len(r.Units) - r.Succeeded()
}

// sortByRow orders unit results by manifest row.
func (r *Result) sortByRow() {
	sort.SliceStable(r.Units, func(i, j int) bool {
		return r.Units[i].RowIndex < r.Units[j].RowIndex
	})
}
