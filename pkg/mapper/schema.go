package mapper

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// mapperSchema is the CUE definition every command mapper must satisfy.
// Definitions are closed, so unknown keys are rejected.
const mapperSchema = `
#Platform: =~"^[a-z0-9][a-z0-9_.-]{0,63}$"

#Command: {
	name:    =~"^[a-z0-9_]+$"
	command: string & !=""
	format:  *"text" | "json"
}

#Field: {
	command:  =~"^[a-z0-9_]+$"
	pattern?: string & !=""
	path?:    string & !=""
	default?: string
}

#Interfaces: {
	command: =~"^[a-z0-9_]+$"
	pattern: string & !=""
}

#Match: {
	ssh_banner?:             string
	sys_object_id_prefixes?: [...string]
	sys_descr?:              string
	service_product?:        string
}

#Mapper: {
	platform:  #Platform
	vendor:    string & !=""
	transport: *"ssh" | "sftp"
	match?:    #Match
	commands: [#Command, ...#Command]
	fields: {
		serial:     #Field
		model:      #Field
		os_version: #Field
		hostname?:  #Field
		vendor?:    #Field
	}
	interfaces?:   #Interfaces
	post_process?: string
}
`

// SchemaValidator checks decoded mapper documents against the CUE schema.
type SchemaValidator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

var (
	defaultValidator     *SchemaValidator
	defaultValidatorOnce sync.Once
	defaultValidatorErr  error
)

// NewSchemaValidator compiles the mapper schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(mapperSchema, cue.Filename("mapper.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile mapper schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Mapper"))
	if !def.Exists() {
		return nil, fmt.Errorf("mapper schema has no #Mapper definition")
	}
	return &SchemaValidator{ctx: ctx, schema: def}, nil
}

func sharedValidator() (*SchemaValidator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewSchemaValidator()
	})
	return defaultValidator, defaultValidatorErr
}

// Apply validates doc and decodes the unified value, defaults filled in, into out.
func (sv *SchemaValidator) Apply(doc map[string]interface{}, out interface{}) error {
	// A cue.Context is not safe for concurrent use.
	sv.mu.Lock()
	defer sv.mu.Unlock()

	data := sv.ctx.Encode(doc)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode mapper: %w", err)
	}

	unified := sv.schema.Unify(data)
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return fmt.Errorf("mapper does not match schema: %s", errors.Details(err, nil))
	}

	if err := unified.Decode(out); err != nil {
		return fmt.Errorf("failed to decode mapper: %w", err)
	}
	return nil
}

// lookupJSON reads a value at a CUE path inside a JSON document.
func (sv *SchemaValidator) lookupJSON(doc []byte, path string) (string, bool, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	val := sv.ctx.CompileBytes(doc, cue.Filename("output.json"))
	if err := val.Err(); err != nil {
		return "", false, fmt.Errorf("output is not valid JSON: %w", err)
	}

	v := val.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return "", false, nil
	}

	switch v.Kind() {
	case cue.StringKind:
		s, err := v.String()
		return s, err == nil, err
	case cue.IntKind, cue.FloatKind, cue.NumberKind, cue.BoolKind:
		b, err := v.MarshalJSON()
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	case cue.NullKind:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("value at %s is a %s, not a scalar", path, v.Kind())
	}
}
