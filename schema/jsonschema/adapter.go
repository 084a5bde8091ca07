// Package jsonschema adapts the santhosh-tekuri/jsonschema compiler to the
// router's validator contract. Message schemas are ordinary JSON Schema
// documents (draft 2020-12); the message type is the `const` of the
// document's top-level "type" property, mirroring the envelope discriminant.
package jsonschema

// file: schema/jsonschema/adapter.go

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	wskit "github.com/kriasoft/ws-kit-go"
	"github.com/kriasoft/ws-kit-go/logging"
)

// Adapter implements wskit.Validator on top of compiled JSON schemas.
// Schemas passed to the contract methods may be *jsonschema.Schema values
// (precompiled via Compile/MustCompile) or raw JSON source strings, which
// are compiled once and cached. Safe for concurrent use.
type Adapter struct {
	logger logging.Logger

	mu    sync.Mutex
	seq   int
	cache map[string]*jsonschema.Schema
}

// Ensure the contract is satisfied.
var _ wskit.Validator = (*Adapter)(nil)

// New creates an adapter. logger may be nil.
func New(logger logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &Adapter{
		logger: logger.WithField("component", "jsonschema_adapter"),
		cache:  make(map[string]*jsonschema.Schema),
	}
}

// newCompiler builds a compiler in the configuration used everywhere:
// draft 2020-12 with format assertions on.
func newCompiler() *jsonschema.Compiler {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	return compiler
}

// Compile compiles a JSON Schema source string. Compilation failure is a
// construction-time error; nothing is cached on failure.
func (a *Adapter) Compile(source string) (*jsonschema.Schema, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compileLocked(source)
}

func (a *Adapter) compileLocked(source string) (*jsonschema.Schema, error) {
	if schema, ok := a.cache[source]; ok {
		return schema, nil
	}
	compiler := newCompiler()
	a.seq++
	resourceID := fmt.Sprintf("wskit://schema/%d.json", a.seq)
	if err := compiler.AddResource(resourceID, bytes.NewReader([]byte(source))); err != nil {
		return nil, errors.Wrap(err, "failed to add schema resource")
	}
	schema, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile schema")
	}
	a.cache[source] = schema
	return schema, nil
}

// MustCompile is Compile for package-level schema variables; it panics on
// compile failure.
func (a *Adapter) MustCompile(source string) *jsonschema.Schema {
	schema, err := a.Compile(source)
	if err != nil {
		panic(err)
	}
	return schema
}

// resolve turns an opaque schema into a compiled one.
func (a *Adapter) resolve(schema any) (*jsonschema.Schema, error) {
	switch s := schema.(type) {
	case *jsonschema.Schema:
		return s, nil
	case string:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.compileLocked(s)
	default:
		return nil, errors.Newf("unsupported schema type %T", schema)
	}
}

// MessageType derives the envelope discriminant from a schema: the constant
// of its top-level "type" property.
func (a *Adapter) MessageType(schema any) (string, error) {
	compiled, err := a.resolve(schema)
	if err != nil {
		return "", err
	}
	prop, ok := compiled.Properties["type"]
	if !ok {
		return "", errors.New("schema has no 'type' property")
	}
	if len(prop.Constant) == 1 {
		if s, ok := prop.Constant[0].(string); ok {
			return s, nil
		}
	}
	if len(prop.Enum) == 1 {
		if s, ok := prop.Enum[0].(string); ok {
			return s, nil
		}
	}
	return "", errors.New("schema 'type' property has no string constant")
}

// SafeParse validates raw JSON data against the schema. Failures are
// reported through the result; SafeParse itself never returns an error.
func (a *Adapter) SafeParse(schema any, data []byte) wskit.ParseResult {
	compiled, err := a.resolve(schema)
	if err != nil {
		return wskit.ParseResult{OK: false, Issues: []wskit.Issue{{Path: "", Message: err.Error()}}}
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return wskit.ParseResult{OK: false, Issues: []wskit.Issue{{Path: "", Message: "invalid JSON: " + err.Error()}}}
	}
	if err := compiled.Validate(instance); err != nil {
		var valErr *jsonschema.ValidationError
		if errors.As(err, &valErr) {
			return wskit.ParseResult{OK: false, Issues: collectIssues(valErr)}
		}
		a.logger.Error("Unexpected error during schema validation.", "error", err)
		return wskit.ParseResult{OK: false, Issues: []wskit.Issue{{Path: "", Message: "validation failed unexpectedly"}}}
	}
	return wskit.ParseResult{OK: true}
}

// collectIssues flattens a validation error tree into per-field issues,
// keeping only the leaves (the causes users can act on).
func collectIssues(valErr *jsonschema.ValidationError) []wskit.Issue {
	var issues []wskit.Issue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := e.InstanceLocation
			if !strings.HasPrefix(path, "/") && path != "" {
				path = "/" + path
			}
			issues = append(issues, wskit.Issue{Path: path, Message: e.Message})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(valErr)
	return issues
}
