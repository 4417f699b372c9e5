package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/uow/internal/commitorder"
	"github.com/roach88/uow/internal/compiler"
	"github.com/roach88/uow/internal/uow"
)

// DeferredEdge is a dependency the commit order could not honor.
type DeferredEdge struct {
	Entity   string `json:"entity"`   // written first, with the reference unset
	Target   string `json:"target"`   // written after Entity
	Nullable bool   `json:"nullable"` // true if a follow-up UPDATE fills the reference
}

// OrderResult is the commit order of a schema.
type OrderResult struct {
	Types    []string                `json:"types"`
	Deferred []DeferredEdge          `json:"deferred,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
	Cycles   []compiler.CycleWarning `json:"cycles,omitempty"`
}

// NewOrderCommand creates the order command.
func NewOrderCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order <schema-dir>",
		Short: "Print the commit order of a schema",
		Long: `Print the order in which a flush writes the entity types of a schema.

Inserts and updates run in the printed order, deletes in reverse. A
dependency that cannot be honored is listed as deferred: when the
reference is nullable the row is inserted without it and a follow-up
UPDATE in the same flush sets it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrder(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runOrder(opts *RootOptions, schemaDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	validation, err := ValidateSchemaDir(schemaDir, formatter)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	if !validation.Valid {
		return outputValidationErrors(formatter, validation)
	}

	reg := validation.registry
	if err := reg.Resolve(); err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "resolving schema", err)
	}

	order := uow.CommitOrder(reg)
	result := OrderResult{
		Types:  order.Types,
		Cycles: validation.Cycles,
	}
	for _, e := range order.Deferred {
		result.Deferred = append(result.Deferred, deferredEdge(e))
	}
	for _, w := range order.Warnings {
		result.Warnings = append(result.Warnings, w.Message)
	}
	formatter.VerboseLog("Ordered %d entity type(s), %d deferred", len(result.Types), len(result.Deferred))

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	writeOrderText(formatter, result)
	return nil
}

// deferredEdge maps a broken calculator edge back to the referencing
// entity: an edge runs from the referenced type to the one holding the
// foreign key.
func deferredEdge(e commitorder.Edge) DeferredEdge {
	return DeferredEdge{
		Entity:   e.To,
		Target:   e.From,
		Nullable: e.Weight == 0,
	}
}

func writeOrderText(formatter *OutputFormatter, result OrderResult) {
	w := formatter.Writer
	fmt.Fprintf(w, "Commit order: %s\n", strings.Join(result.Types, " -> "))

	if len(result.Deferred) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Deferred references:")
		for _, d := range result.Deferred {
			if d.Nullable {
				fmt.Fprintf(w, "  %s -> %s (nullable, filled by update)\n", d.Entity, d.Target)
			} else {
				fmt.Fprintf(w, "  %s -> %s (not nullable)\n", d.Entity, d.Target)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, msg := range result.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", msg)
		}
	}
}
