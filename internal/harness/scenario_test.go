package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authorSchema = `
entity: Author: {
	fields: {
		id:   {type: "int", primary: true, generated: "increment"}
		name: {type: "string"}
	}
}
`

// writeScenario writes content to dir/name and returns the path.
func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// createSchemaDir creates dir/schema holding a one-file CUE package.
func createSchemaDir(t *testing.T, dir string) string {
	t.Helper()
	schemaDir := filepath.Join(dir, "schema")
	require.NoError(t, os.MkdirAll(schemaDir, 0755))
	src := "package test\n" + authorSchema
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "author.cue"), []byte(src), 0644))
	return schemaDir
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	createSchemaDir(t, dir)

	path := writeScenario(t, dir, "test.yaml", `
name: test_scenario
description: "Test scenario for validation"
schema_dir: schema
steps:
  - action: new
    ref: ann
    type: Author
    values:
      name: Ann
  - action: persist
    ref: ann
  - action: flush
assertions:
  - type: statement_contains
    statement: insert Author
    values: { name: Ann }
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.Equal(t, filepath.Join(dir, "schema"), scenario.SchemaDir, "relative schema_dir resolves against the file")
	assert.Len(t, scenario.Steps, 3)
	assert.Len(t, scenario.Assertions, 1)
	assert.Equal(t, ActionNew, scenario.Steps[0].Action)
	assert.Equal(t, "Ann", scenario.Steps[0].Values["name"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "typo.yaml", `
name: typo
description: "Misspelled key"
schema: "entity: A: {}"
steps:
  - action: flush
assertion:
  - type: statement_count
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
	assert.Contains(t, err.Error(), "assertion")
}

func TestLoadScenario_MissingSchemaDir(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "test.yaml", `
name: missing_dir
description: "Schema directory does not exist"
schema_dir: nowhere
steps:
  - action: flush
assertions:
  - type: statement_count
    statement: insert Author
    count: 0
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema directory not found")
}

func TestParseScenario_DecodesNestedValues(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: nested
description: "Nested values"
schema: "entity: A: {}"
seed:
  - entity: Author
    rows:
      - { id: 1, name: Ann }
steps:
  - action: find
    ref: ann
    type: Author
    key: [1]
    expect: { state: managed }
  - action: flush
    expect: { error: concurrency, message: "expected version" }
assertions:
  - type: final_state
    entity: Author
    count: 1
`))
	require.NoError(t, err)

	require.Len(t, scenario.Seed, 1)
	assert.Equal(t, 1, scenario.Seed[0].Rows[0]["id"])
	assert.Equal(t, []any{1}, scenario.Steps[0].Key)
	require.NotNil(t, scenario.Steps[1].Expect)
	assert.Equal(t, KindConcurrency, scenario.Steps[1].Expect.Error)
	require.NotNil(t, scenario.Assertions[0].Count)
	assert.Equal(t, 1, *scenario.Assertions[0].Count)
}

func TestValidateScenario(t *testing.T) {
	one := 1
	valid := func() *Scenario {
		return &Scenario{
			Name:        "valid",
			Description: "valid scenario",
			Schema:      authorSchema,
			Steps: []Step{
				{Action: ActionNew, Ref: "ann", Type: "Author"},
				{Action: ActionFlush},
			},
			Assertions: []Assertion{
				{Type: AssertStatementCount, Statement: "insert Author", Count: &one},
			},
		}
	}

	require.NoError(t, validateScenario(valid()))

	tests := []struct {
		name    string
		mutate  func(s *Scenario)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(s *Scenario) { s.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			mutate:  func(s *Scenario) { s.Description = "" },
			wantErr: "description is required",
		},
		{
			name:    "no schema",
			mutate:  func(s *Scenario) { s.Schema = "" },
			wantErr: "one of schema and schema_dir is required",
		},
		{
			name:    "both schemas",
			mutate:  func(s *Scenario) { s.SchemaDir = t.TempDir() },
			wantErr: "mutually exclusive",
		},
		{
			name:    "unknown backend",
			mutate:  func(s *Scenario) { s.Backend = "oracle" },
			wantErr: `unknown backend "oracle"`,
		},
		{
			name:    "sqlite without ddl",
			mutate:  func(s *Scenario) { s.Backend = BackendSQLite },
			wantErr: "ddl is required",
		},
		{
			name:    "seed without entity",
			mutate:  func(s *Scenario) { s.Seed = []SeedRows{{}} },
			wantErr: "seed[0]: entity is required",
		},
		{
			name:    "no steps",
			mutate:  func(s *Scenario) { s.Steps = nil },
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			mutate:  func(s *Scenario) { s.Assertions = nil },
			wantErr: "assertions list is required",
		},
		{
			name:    "missing action",
			mutate:  func(s *Scenario) { s.Steps[1].Action = "" },
			wantErr: "steps[1]: action is required",
		},
		{
			name:    "unknown action",
			mutate:  func(s *Scenario) { s.Steps[1].Action = "merge" },
			wantErr: `steps[1]: unknown action "merge"`,
		},
		{
			name:    "new without type",
			mutate:  func(s *Scenario) { s.Steps[0].Type = "" },
			wantErr: "steps[0]: type is required for new",
		},
		{
			name: "add without items",
			mutate: func(s *Scenario) {
				s.Steps[1] = Step{Action: ActionAdd, Ref: "ann", Field: "books"}
			},
			wantErr: "steps[1]: items is required for add",
		},
		{
			name: "find without key",
			mutate: func(s *Scenario) {
				s.Steps[1] = Step{Action: ActionFind, Ref: "x", Type: "Author"}
			},
			wantErr: "steps[1]: key is required for find",
		},
		{
			name: "exec_update without where",
			mutate: func(s *Scenario) {
				s.Steps[1] = Step{Action: ActionExecUpdate, Type: "Author", Values: map[string]any{"name": "X"}}
			},
			wantErr: "steps[1]: where is required for exec_update",
		},
		{
			name: "fail_on with sqlite",
			mutate: func(s *Scenario) {
				s.Backend = BackendSQLite
				s.DDL = []string{"CREATE TABLE author (id INTEGER PRIMARY KEY)"}
				s.Steps[1] = Step{Action: ActionFailOn, Op: "insert"}
			},
			wantErr: "fail_on needs the fake backend",
		},
		{
			name: "expected state without ref",
			mutate: func(s *Scenario) {
				s.Steps[1].Expect = &ExpectClause{State: "managed"}
			},
			wantErr: "state needs a ref",
		},
		{
			name: "unknown expected state",
			mutate: func(s *Scenario) {
				s.Steps[0].Expect = &ExpectClause{State: "zombie"}
			},
			wantErr: "zombie",
		},
		{
			name:    "statement_count without count",
			mutate:  func(s *Scenario) { s.Assertions[0].Count = nil },
			wantErr: "count",
		},
		{
			name: "final_state without expectation",
			mutate: func(s *Scenario) {
				s.Assertions[0] = Assertion{Type: AssertFinalState, Entity: "Author"}
			},
			wantErr: "assertions[0]",
		},
		{
			name: "unknown assertion type",
			mutate: func(s *Scenario) {
				s.Assertions[0] = Assertion{Type: "trace_contains"}
			},
			wantErr: "trace_contains",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := validateScenario(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
