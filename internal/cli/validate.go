package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/uow/internal/compiler"
	"github.com/roach88/uow/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Entities int                        `json:"entities"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Cycles   []compiler.CycleWarning    `json:"cycles,omitempty"`

	registry *schema.Registry
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate entity mappings",
		Long: `Validate the entity mappings declared in a CUE schema directory.

Checks field types, keys, relations, cascades, checks and hooks, and
reports foreign-key cycles between entity types. Cycles are reported
but do not fail validation: a cycle through a nullable reference is
flushed with a follow-up UPDATE.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, schemaDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	result, err := ValidateSchemaDir(schemaDir, formatter)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// ValidateSchemaDir loads and validates every entity in schemaDir. The
// error is non-nil only when the directory could not be loaded; mapping
// problems are returned in the result. formatter may be nil.
func ValidateSchemaDir(schemaDir string, formatter *OutputFormatter) (*ValidationResult, error) {
	if formatter == nil {
		formatter = &OutputFormatter{}
	}

	loadResult, loadErrors := LoadSchema(schemaDir)
	if loadResult == nil {
		return nil, loadErrors[0]
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, schemaDir)

	result := &ValidationResult{}
	for _, err := range loadErrors {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			loadErr = &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
		}
		result.Errors = append(result.Errors, compiler.ValidationError{
			Entity:  "schema",
			Message: loadErr.Message,
			Code:    loadErr.Code,
		})
	}

	if reg := loadResult.Registry; reg != nil {
		for _, et := range reg.Entities() {
			formatter.VerboseLog("Validating entity: %s", et.Name)
		}
		result.registry = reg
		result.Entities = len(reg.Entities())
		result.Errors = append(result.Errors, compiler.Validate(reg)...)
		result.Cycles = compiler.AnalyzeCycles(reg)
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result *ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ All entities valid (%d)\n", result.Entities)
	writeCycles(formatter, result.Cycles)
	return nil
}

// writeCycles prints cycle warnings in text mode.
func writeCycles(formatter *OutputFormatter, cycles []compiler.CycleWarning) {
	if len(cycles) == 0 {
		return
	}
	fmt.Fprintln(formatter.Writer)
	for _, c := range cycles {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", c.Level, c.Message)
	}
}

// outputLoadError outputs an error that stopped loading.
func outputLoadError(formatter *OutputFormatter, err error) error {
	code, message := ErrCodeGeneric, err.Error()
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		code, message = loadErr.Code, loadErr.Message
		if p := loadErr.Pos; p.IsValid() {
			message = fmt.Sprintf("%s:%d:%d: %s", p.Filename(), p.Line(), p.Column(), message)
		}
	}
	_ = formatter.Error(code, message, nil)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result *ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s\n", err.Error())
	}
	writeCycles(formatter, result.Cycles)

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
