package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/uow/internal/schema"
)

// ErrNoEntities is returned when a schema source declares no entities.
var ErrNoEntities = errors.New("no entities found in schema")

// CompileValue compiles every `entity: <Name>: {...}` declaration in v into
// a registry. The registry is validated and then resolved; validation
// problems are returned together as ValidationErrors.
func CompileValue(v cue.Value) (*schema.Registry, error) {
	reg, err := CompileUnresolved(v)
	if err != nil {
		return nil, err
	}
	if verrs := Validate(reg); len(verrs) > 0 {
		return nil, ValidationErrors(verrs)
	}
	if err := reg.Resolve(); err != nil {
		return nil, fmt.Errorf("resolving schema: %w", err)
	}
	return reg, nil
}

// CompileUnresolved compiles entity declarations without validating or
// resolving, so tooling can report every problem at once.
func CompileUnresolved(v cue.Value) (*schema.Registry, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	entitiesVal := v.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, ErrNoEntities
	}
	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	reg := schema.NewRegistry()
	var errs []error
	for iter.Next() {
		et, err := CompileEntity(iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("entity.%s: %w", iter.Label(), err))
			continue
		}
		if err := reg.Register(et); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(reg.Entities()) == 0 {
		return nil, ErrNoEntities
	}
	return reg, nil
}

// CompileString compiles CUE source text. filename is used in positions.
func CompileString(src, filename string) (*schema.Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return CompileValue(v)
}

// LoadDir loads the CUE package in dir and compiles its entities.
func LoadDir(dir string) (*schema.Registry, error) {
	v, err := BuildDir(dir)
	if err != nil {
		return nil, err
	}
	return CompileValue(v)
}

// BuildDir loads and builds the CUE package in dir without compiling it.
func BuildDir(dir string) (cue.Value, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return cue.Value{}, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return cue.Value{}, fmt.Errorf("schema directory: not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return cue.Value{}, err
	}
	if len(files) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, errors.New("no CUE instances loaded")
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return value, nil
}
