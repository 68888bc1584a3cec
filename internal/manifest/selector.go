package manifest

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Selector decides whether a row becomes a work unit. The expression is
// JavaScript evaluated with the row's fields bound to `row`, e.g.
//
//	row.cohort === "pilot" && row.sample !== "NA12878"
//
// A nil Selector matches every row.
type Selector struct {
	expr    string
	program *goja.Program
}

// NewSelector compiles expr. An empty or blank expression returns nil.
func NewSelector(expr string) (*Selector, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	prog, err := goja.Compile("select", "("+expr+")", true)
	if err != nil {
		return nil, fmt.Errorf("compile row selector %q: %w", expr, err)
	}
	return &Selector{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}

// Match evaluates the selector for one row. Each call uses a fresh runtime,
// so a selector is safe to share.
func (s *Selector) Match(fields map[string]string) (bool, error) {
	if s == nil {
		return true, nil
	}
	vm := goja.New()
	row := make(map[string]any, len(fields))
	for k, v := range fields {
		row[k] = v
	}
	if err := vm.Set("row", row); err != nil {
		return false, fmt.Errorf("bind row: %w", err)
	}
	v, err := vm.RunProgram(s.program)
	if err != nil {
		return false, fmt.Errorf("evaluate row selector: %w", err)
	}
	return v.ToBoolean(), nil
}
