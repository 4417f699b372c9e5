package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a unit-of-work scenario: a schema, a backend, a series
// of steps against one unit of work, and assertions on the resulting trace
// and final database state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is inline CUE source declaring the entities.
	Schema string `yaml:"schema,omitempty"`

	// SchemaDir is a directory holding a CUE package with the entities,
	// relative to the scenario file. Exactly one of Schema and SchemaDir is
	// set.
	SchemaDir string `yaml:"schema_dir,omitempty"`

	// Backend is "fake" (the default) or "sqlite".
	Backend string `yaml:"backend,omitempty"`

	// DDL holds the statements creating the tables. Required for sqlite.
	DDL []string `yaml:"ddl,omitempty"`

	// ImplicitTransactions runs flushes without a transaction.
	ImplicitTransactions bool `yaml:"implicit_transactions,omitempty"`

	// Batching enables multi-row inserts and deletes.
	Batching bool `yaml:"batching,omitempty"`

	// ForeignKeys makes the fake backend enforce foreign keys. SQLite
	// always enforces them.
	ForeignKeys bool `yaml:"foreign_keys,omitempty"`

	// Seed lists rows present before the first step. They are not traced.
	Seed []SeedRows `yaml:"seed,omitempty"`

	// Steps run in order against one unit of work.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace, state and entities.
	Assertions []Assertion `yaml:"assertions"`
}

// SeedRows are rows of one entity type written before the scenario runs.
type SeedRows struct {
	Entity string           `yaml:"entity"`
	Rows   []map[string]any `yaml:"rows"`
}

// Step actions.
const (
	ActionNew        = "new"         // create entity Ref of Type with Values and Refs
	ActionSet        = "set"         // set Values and Refs on Ref
	ActionAdd        = "add"         // add Items to collection Field of Ref
	ActionRemoveFrom = "remove_from" // remove Items from collection Field of Ref
	ActionPersist    = "persist"
	ActionRemove     = "remove"
	ActionDetach     = "detach"
	ActionFind       = "find"  // load Type by Key into Ref
	ActionLoad       = "load"  // load collection Field of Ref
	ActionFlush      = "flush" // flush the unit of work
	ActionClear      = "clear"
	ActionExecUpdate = "exec_update" // update rows of Type behind the unit of work's back
	ActionFailOn     = "fail_on"     // fake backend: fail the next Op on Type
	ActionFailCommit = "fail_commit" // fake backend: fail the next commit
)

// Step is one operation of a scenario. Entities are named by aliases that
// new and find steps introduce.
type Step struct {
	// Action is one of the Action constants.
	Action string `yaml:"action"`

	// Ref is the alias of the entity the step acts on.
	Ref string `yaml:"ref,omitempty"`

	// Type is the entity type (new, find, exec_update, fail_on).
	Type string `yaml:"type,omitempty"`

	// Values are scalar field values (new, set, exec_update).
	Values map[string]any `yaml:"values,omitempty"`

	// Refs maps relation fields to entity aliases (new, set). An empty
	// alias clears the reference.
	Refs map[string]string `yaml:"refs,omitempty"`

	// Field is a collection field (add, remove_from, load).
	Field string `yaml:"field,omitempty"`

	// Items are entity aliases (add, remove_from).
	Items []string `yaml:"items,omitempty"`

	// Key is the primary key, one value per key field (find).
	Key []any `yaml:"key,omitempty"`

	// Where selects rows (exec_update).
	Where map[string]any `yaml:"where,omitempty"`

	// Op is the statement to fail: insert, update or delete (fail_on).
	Op string `yaml:"op,omitempty"`

	// Message is the injected error message (fail_on, fail_commit).
	Message string `yaml:"message,omitempty"`

	// Expect specifies the expected outcome. If nil the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Error is the expected error kind (see ErrorKind). Empty means the
	// step must succeed.
	Error string `yaml:"error,omitempty"`

	// Message is a substring the error message must contain.
	Message string `yaml:"message,omitempty"`

	// State is the lifecycle state Ref must be in after the step.
	State string `yaml:"state,omitempty"`
}

// Assertion validates the trace, the final state or an entity.
type Assertion struct {
	// Type specifies the assertion type:
	// - "statement_contains": a statement "<op> <Entity>" with Values was written
	// - "statement_order": statements first appear in the given order
	// - "statement_count": a statement was written exactly Count times
	// - "final_state": rows of Entity matching Where
	// - "entity_state": the lifecycle state of Ref
	Type string `yaml:"type"`

	// Statement is "<op> <Entity>", e.g. "insert Book".
	Statement string `yaml:"statement,omitempty"`

	// Values are expected statement values (statement_contains). Subset
	// match.
	Values map[string]any `yaml:"values,omitempty"`

	// Statements is the expected order (statement_order).
	Statements []string `yaml:"statements,omitempty"`

	// Count is the expected number of statements (statement_count) or
	// matching rows (final_state).
	Count *int `yaml:"count,omitempty"`

	// Entity is the entity type queried by final_state.
	Entity string `yaml:"entity,omitempty"`

	// Where selects rows (final_state). All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values of the single matching row
	// (final_state). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Ref and State are used by entity_state.
	Ref   string `yaml:"ref,omitempty"`
	State string `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertStatementContains = "statement_contains"
	AssertStatementOrder    = "statement_order"
	AssertStatementCount    = "statement_count"
	AssertFinalState        = "final_state"
	AssertEntityState       = "entity_state"
)

// Backends.
const (
	BackendFake   = "fake"
	BackendSQLite = "sqlite"
)

// LoadScenario reads and parses a scenario YAML file. A relative
// schema_dir is resolved against the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.SchemaDir != "" && !filepath.IsAbs(scenario.SchemaDir) {
		scenario.SchemaDir = filepath.Join(filepath.Dir(path), scenario.SchemaDir)
	}
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// ParseScenario decodes a scenario without validating it.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Schema == "" && s.SchemaDir == "":
		return fmt.Errorf("one of schema and schema_dir is required")
	case s.Schema != "" && s.SchemaDir != "":
		return fmt.Errorf("schema and schema_dir are mutually exclusive")
	}
	if s.SchemaDir != "" {
		if _, err := os.Stat(s.SchemaDir); os.IsNotExist(err) {
			return fmt.Errorf("schema directory not found: %s", s.SchemaDir)
		}
	}

	switch s.Backend {
	case "", BackendFake:
	case BackendSQLite:
		if len(s.DDL) == 0 {
			return fmt.Errorf("ddl is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}

	for i, seed := range s.Seed {
		if seed.Entity == "" {
			return fmt.Errorf("seed[%d]: entity is required", i)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(s, i, &step); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep checks the fields each action needs.
func validateStep(s *Scenario, index int, step *Step) error {
	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("steps[%d]: %s is required for %s", index, what, step.Action)
		}
		return nil
	}

	var err error
	switch step.Action {
	case ActionNew:
		if err = need(step.Ref != "", "ref"); err == nil {
			err = need(step.Type != "", "type")
		}
	case ActionSet, ActionPersist, ActionRemove, ActionDetach:
		err = need(step.Ref != "", "ref")
	case ActionAdd, ActionRemoveFrom:
		if err = need(step.Ref != "", "ref"); err == nil {
			if err = need(step.Field != "", "field"); err == nil {
				err = need(len(step.Items) > 0, "items")
			}
		}
	case ActionLoad:
		if err = need(step.Ref != "", "ref"); err == nil {
			err = need(step.Field != "", "field")
		}
	case ActionFind:
		if err = need(step.Ref != "", "ref"); err == nil {
			if err = need(step.Type != "", "type"); err == nil {
				err = need(len(step.Key) > 0, "key")
			}
		}
	case ActionExecUpdate:
		if err = need(step.Type != "", "type"); err == nil {
			if err = need(len(step.Where) > 0, "where"); err == nil {
				err = need(len(step.Values) > 0, "values")
			}
		}
	case ActionFailOn:
		if err = need(step.Op != "", "op"); err == nil && s.Backend == BackendSQLite {
			err = fmt.Errorf("steps[%d]: fail_on needs the fake backend", index)
		}
	case ActionFailCommit:
		if s.Backend == BackendSQLite {
			err = fmt.Errorf("steps[%d]: fail_commit needs the fake backend", index)
		}
	case ActionFlush, ActionClear:
	case "":
		err = fmt.Errorf("steps[%d]: action is required", index)
	default:
		err = fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	if err != nil {
		return err
	}

	if step.Expect != nil && step.Expect.State != "" {
		if step.Ref == "" {
			return fmt.Errorf("steps[%d].expect: state needs a ref", index)
		}
		if _, ok := parseState(step.Expect.State); !ok {
			return fmt.Errorf("steps[%d].expect: unknown state %q", index, step.Expect.State)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStatementContains:
		if a.Statement == "" {
			return fmt.Errorf("assertions[%d]: statement is required for statement_contains", index)
		}
	case AssertStatementOrder:
		if len(a.Statements) == 0 {
			return fmt.Errorf("assertions[%d]: statements list is required for statement_order", index)
		}
	case AssertStatementCount:
		if a.Statement == "" {
			return fmt.Errorf("assertions[%d]: statement is required for statement_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for statement_count", index)
		}
	case AssertFinalState:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for final_state", index)
		}
		if len(a.Expect) == 0 && a.Count == nil {
			return fmt.Errorf("assertions[%d]: expect or count is required for final_state", index)
		}
	case AssertEntityState:
		if a.Ref == "" {
			return fmt.Errorf("assertions[%d]: ref is required for entity_state", index)
		}
		if _, ok := parseState(a.State); !ok {
			return fmt.Errorf("assertions[%d]: unknown state %q", index, a.State)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
