package changeset

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/roach88/uow/internal/ir"
	"github.com/roach88/uow/internal/schema"
)

// Checks evaluates entity check expressions with CEL. Programs are compiled
// once per expression and cached; a Checks value may be shared between
// computers.
type Checks struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewChecks creates an empty check cache.
func NewChecks() *Checks {
	return &Checks{cache: make(map[string]cel.Program)}
}

// CompileCheck compiles a check expression. The entity is bound to `self`
// and the expression must produce a bool.
func CompileCheck(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(cel.Variable("self", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

func (c *Checks) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := CompileCheck(expr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// Evaluate runs every check of et against values and returns a
// ValidationError for the first one that fails or does not yield a bool.
func (c *Checks) Evaluate(et *schema.EntityType, values ir.IRObject) error {
	if len(et.Checks) == 0 {
		return nil
	}
	self := ir.ToNative(values)

	for _, chk := range et.Checks {
		prg, err := c.program(chk.Expr)
		if err != nil {
			return newValidationError(et.Name, "", ReasonCheck, "check %q: %v", chk.Name, err)
		}

		out, _, err := prg.Eval(map[string]any{"self": self})
		if err != nil {
			return newValidationError(et.Name, "", ReasonCheck, "check %q: evaluation error: %v", chk.Name, err)
		}

		ok, isBool := out.Value().(bool)
		if !isBool {
			return newValidationError(et.Name, "", ReasonCheck, "check %q did not return bool, got %T", chk.Name, out.Value())
		}
		if !ok {
			return newValidationError(et.Name, "", ReasonCheck, "check %q failed: %s", chk.Name, chk.Expr)
		}
	}
	return nil
}

// CacheSize returns the number of compiled programs.
func (c *Checks) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
