// Package graphql serves the read-only GraphQL query surface.
//
// Documents are parsed and validated against the embedded schema with
// gqlparser and then executed directly against the query façade. Only query
// operations are accepted and introspection is not supported.
package graphql

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/models"
	"github.com/kilupskalvis/kgserve/internal/query"
)

//go:embed schema.graphql
var schemaSDL string

var schema = gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphql", Input: schemaSDL})

// Schema returns the SDL served by this package.
func Schema() string {
	return schemaSDL
}

// Error codes placed in the "code" extension.
const (
	CodeValidation         = "GRAPHQL_VALIDATION_FAILED"
	CodeBadUserInput       = "BAD_USER_INPUT"
	CodeUnsupported        = "OPERATION_NOT_SUPPORTED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_SERVER_ERROR"
)

// Request is a GraphQL request body.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is a GraphQL response. Data is absent when the request failed
// before execution and null when a non-null root field failed.
type Response struct {
	Data   any           `json:"data,omitempty"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

// Executor runs query documents against the query façade.
type Executor struct {
	q      *query.Service
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(q *query.Service, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{q: q, logger: logger}
}

// Execute parses, validates and runs one request.
func (e *Executor) Execute(ctx context.Context, req Request) *Response {
	if strings.TrimSpace(req.Query) == "" {
		return &Response{Errors: gqlerror.List{newError(CodeBadUserInput, "query is required", nil)}}
	}

	doc, errs := gqlparser.LoadQuery(schema, req.Query)
	if len(errs) > 0 {
		for _, err := range errs {
			setCode(err, CodeValidation)
		}
		return &Response{Errors: errs}
	}

	op := doc.Operations.ForName(req.OperationName)
	if op == nil {
		msg := "operation name is required when the document contains several operations"
		if req.OperationName != "" {
			msg = fmt.Sprintf("unknown operation %q", req.OperationName)
		}
		return &Response{Errors: gqlerror.List{newError(CodeBadUserInput, msg, nil)}}
	}
	if op.Operation != ast.Query {
		return &Response{Errors: gqlerror.List{newError(CodeUnsupported,
			fmt.Sprintf("%s operations are not supported", op.Operation), nil)}}
	}

	vars, verr := validator.VariableValues(schema, op, req.Variables)
	if verr != nil {
		return &Response{Errors: gqlerror.List{asGQLError(verr, CodeBadUserInput)}}
	}

	ex := &execution{
		ctx:    ctx,
		q:      e.q,
		logger: e.logger,
		doc:    doc,
		vars:   vars,
	}
	data, ok := ex.object("Query", nil, op.SelectionSet, nil)

	resp := &Response{Errors: ex.errs}
	if ok {
		resp.Data = data
	} else {
		resp.Data = nullData{}
	}
	return resp
}

// nullData marshals as an explicit null so that omitempty keeps the key.
type nullData struct{}

func (nullData) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// execution carries the state of a single operation.
type execution struct {
	ctx    context.Context
	q      *query.Service
	logger *slog.Logger
	doc    *ast.QueryDocument
	vars   map[string]any
	errs   gqlerror.List
}

// collectedField groups every field node sharing one response key.
type collectedField struct {
	key    string
	fields []*ast.Field
}

func (cf *collectedField) selections() ast.SelectionSet {
	if len(cf.fields) == 1 {
		return cf.fields[0].SelectionSet
	}
	var set ast.SelectionSet
	for _, f := range cf.fields {
		set = append(set, f.SelectionSet...)
	}
	return set
}

func (ex *execution) collect(typeName string, set ast.SelectionSet, out []*collectedField, visited map[string]bool) []*collectedField {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			if !ex.included(s.Directives) {
				continue
			}
			key := s.Alias
			if key == "" {
				key = s.Name
			}
			merged := false
			for _, cf := range out {
				if cf.key == key {
					cf.fields = append(cf.fields, s)
					merged = true
					break
				}
			}
			if !merged {
				out = append(out, &collectedField{key: key, fields: []*ast.Field{s}})
			}
		case *ast.InlineFragment:
			if !ex.included(s.Directives) {
				continue
			}
			if s.TypeCondition != "" && s.TypeCondition != typeName {
				continue
			}
			out = ex.collect(typeName, s.SelectionSet, out, visited)
		case *ast.FragmentSpread:
			if !ex.included(s.Directives) || visited[s.Name] {
				continue
			}
			visited[s.Name] = true
			def := s.Definition
			if def == nil {
				def = ex.doc.Fragments.ForName(s.Name)
			}
			if def == nil || def.TypeCondition != typeName {
				continue
			}
			out = ex.collect(typeName, def.SelectionSet, out, visited)
		}
	}
	return out
}

// included evaluates @skip and @include.
func (ex *execution) included(dirs ast.DirectiveList) bool {
	if d := dirs.ForName("skip"); d != nil {
		if skip, _ := d.ArgumentMap(ex.vars)["if"].(bool); skip {
			return false
		}
	}
	if d := dirs.ForName("include"); d != nil {
		if include, _ := d.ArgumentMap(ex.vars)["if"].(bool); !include {
			return false
		}
	}
	return true
}

// object resolves a selection set on src. ok is false when a non-null field
// failed and the null must propagate to the parent.
func (ex *execution) object(typeName string, src any, set ast.SelectionSet, path ast.Path) (*object, bool) {
	fields := ex.collect(typeName, set, nil, map[string]bool{})
	obj := &object{}
	for _, cf := range fields {
		f := cf.fields[0]
		fieldPath := extend(path, ast.PathName(cf.key))

		if f.Name == "__typename" {
			obj.set(cf.key, typeName)
			continue
		}

		value, err := ex.resolve(typeName, src, f)
		if err == nil && f.Definition.Type.Elem == nil && f.Definition.Type.Name() == "Int" {
			value, err = serializeInt(value)
		}
		if err != nil {
			ex.errs = append(ex.errs, ex.fieldError(err, f, fieldPath))
			if f.Definition != nil && f.Definition.Type.NonNull {
				return nil, false
			}
			obj.set(cf.key, nil)
			continue
		}

		completed, ok := ex.complete(value, f.Definition.Type, cf.selections(), fieldPath)
		if !ok {
			return nil, false
		}
		obj.set(cf.key, completed)
	}
	return obj, true
}

// complete shapes a resolved value according to its declared type.
func (ex *execution) complete(value any, t *ast.Type, set ast.SelectionSet, path ast.Path) (any, bool) {
	if value == nil {
		return nil, !t.NonNull
	}

	if t.Elem != nil {
		var (
			out []any
			ok  bool
		)
		switch list := value.(type) {
		case []*models.Entity:
			out, ok = completeList(ex, list, t.Elem, set, path)
		case []*models.Relationship:
			out, ok = completeList(ex, list, t.Elem, set, path)
		case []string:
			out, ok = completeList(ex, list, t.Elem, set, path)
		default:
			ex.errs = append(ex.errs, newError(CodeInternal, fmt.Sprintf("cannot complete %T as a list", value), path))
			return nil, !t.NonNull
		}
		if !ok {
			return nil, !t.NonNull
		}
		return out, true
	}

	if len(set) > 0 {
		obj, ok := ex.object(t.Name(), value, set, path)
		if !ok {
			return nil, !t.NonNull
		}
		return obj, true
	}
	return value, true
}

func completeList[T any](ex *execution, items []T, elem *ast.Type, set ast.SelectionSet, path ast.Path) ([]any, bool) {
	out := make([]any, len(items))
	for i, item := range items {
		v, ok := ex.complete(item, elem, set, extend(path, ast.PathIndex(i)))
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// resolve returns the raw value of one field. Absent values are an untyped nil.
func (ex *execution) resolve(typeName string, src any, f *ast.Field) (any, error) {
	switch typeName {
	case "Query":
		return ex.resolveQuery(f)
	case "Entity":
		return entityField(src.(*models.Entity), f.Name), nil
	case "Relationship":
		return relationshipField(src.(*models.Relationship), f.Name), nil
	case "EntityPage":
		p := src.(*models.EntityPage)
		return pageField(f.Name, p.Items, p.Total, p.Limit, p.Offset), nil
	case "RelationshipPage":
		p := src.(*models.RelationshipPage)
		return pageField(f.Name, p.Items, p.Total, p.Limit, p.Offset), nil
	case "Bundle":
		return bundleField(src.(*models.BundleRecord), f.Name), nil
	}
	return nil, fmt.Errorf("no resolver for type %s", typeName)
}

func (ex *execution) resolveQuery(f *ast.Field) (any, error) {
	args := f.ArgumentMap(ex.vars)
	switch f.Name {
	case "entity":
		e, err := ex.q.Entity(ex.ctx, stringArg(args, "id"))
		if err != nil || e == nil {
			return nil, err
		}
		return e, nil

	case "entities":
		filter := inputArg(args, "filter")
		p, err := ex.q.Entities(ex.ctx, models.EntityFilter{
			EntityType:   stringArg(filter, "entityType"),
			Name:         stringArg(filter, "name"),
			NameContains: stringArg(filter, "nameContains"),
			Source:       stringArg(filter, "source"),
			Status:       stringArg(filter, "status"),
		}, intArg(args, "limit"), intArg(args, "offset"))
		if err != nil {
			return nil, err
		}
		return p, nil

	case "relationship":
		r, err := ex.q.Relationship(ex.ctx, models.Triple{
			SubjectID: stringArg(args, "subjectId"),
			Predicate: stringArg(args, "predicate"),
			ObjectID:  stringArg(args, "objectId"),
		})
		if err != nil || r == nil {
			return nil, err
		}
		return r, nil

	case "relationships":
		filter := inputArg(args, "filter")
		p, err := ex.q.Relationships(ex.ctx, models.RelationshipFilter{
			SubjectID: stringArg(filter, "subjectId"),
			ObjectID:  stringArg(filter, "objectId"),
			Predicate: stringArg(filter, "predicate"),
		}, intArg(args, "limit"), intArg(args, "offset"))
		if err != nil {
			return nil, err
		}
		return p, nil

	case "bundle":
		b, err := ex.q.Bundle(ex.ctx)
		if err != nil || b == nil {
			return nil, err
		}
		return b, nil

	case "__schema", "__type":
		return nil, errIntrospection
	}
	return nil, fmt.Errorf("unknown field Query.%s", f.Name)
}

var errIntrospection = errors.New("introspection is not supported")

func entityField(e *models.Entity, name string) any {
	switch name {
	case "entityId":
		return e.EntityID
	case "entityType":
		return e.EntityType
	case "name":
		return optional(e.Name)
	case "status":
		return optional(e.Status)
	case "confidence":
		return optional(e.Confidence)
	case "usageCount":
		return optional(e.UsageCount)
	case "createdAt":
		return optional(e.CreatedAt)
	case "source":
		return optional(e.Source)
	case "synonyms":
		return nonNilStrings(e.Synonyms)
	case "properties":
		return nonNilProperties(e.Properties)
	}
	return nil
}

func relationshipField(r *models.Relationship, name string) any {
	switch name {
	case "subjectId":
		return r.SubjectID
	case "predicate":
		return r.Predicate
	case "objectId":
		return r.ObjectID
	case "confidence":
		return optional(r.Confidence)
	case "sourceDocuments":
		return nonNilStrings(r.SourceDocuments)
	case "createdAt":
		return optional(r.CreatedAt)
	case "properties":
		return nonNilProperties(r.Properties)
	}
	return nil
}

func pageField[T any](name string, items []T, total, limit, offset int) any {
	switch name {
	case "items":
		return items
	case "total":
		return total
	case "limit":
		return limit
	case "offset":
		return offset
	}
	return nil
}

func bundleField(b *models.BundleRecord, name string) any {
	switch name {
	case "bundleId":
		return b.BundleID
	case "checksum":
		return b.Checksum
	case "bundleVersion":
		return b.BundleVersion
	case "domain":
		return b.Domain
	case "label":
		if b.Label == "" {
			return nil
		}
		return b.Label
	case "createdAt":
		return b.CreatedAt.UTC().Format(time.RFC3339)
	case "metadata":
		return nonNilProperties(b.Metadata)
	case "entityCount":
		return b.EntityCount
	case "relationshipCount":
		return b.RelationshipCount
	case "loadedAt":
		return b.LoadedAt.UTC().Format(time.RFC3339Nano)
	}
	return nil
}

// serializeInt enforces the 32-bit range of the GraphQL Int type.
func serializeInt(v any) (any, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int:
		n = int64(x)
	case int32:
		return x, nil
	case int64:
		n = x
	default:
		return nil, fmt.Errorf("Int cannot represent %T", v)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return nil, fmt.Errorf("Int cannot represent non 32-bit signed integer value: %d", n)
	}
	return n, nil
}

func optional[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilProperties(p models.Properties) models.Properties {
	if p == nil {
		return models.Properties{}
	}
	return p
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func inputArg(args map[string]any, name string) map[string]any {
	m, _ := args[name].(map[string]any)
	return m
}

// intArg reads an Int argument. Literals arrive as int64 and variables as
// whatever the JSON decoder produced.
func intArg(args map[string]any, name string) int {
	switch v := args[name].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case interface{ Int64() (int64, error) }:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func extend(path ast.Path, elem ast.PathElement) ast.Path {
	out := make(ast.Path, len(path), len(path)+1)
	copy(out, path)
	return append(out, elem)
}

// fieldError converts a resolver error into a located GraphQL error.
func (ex *execution) fieldError(err error, f *ast.Field, path ast.Path) *gqlerror.Error {
	code := CodeInternal
	msg := err.Error()
	switch {
	case errors.Is(err, errIntrospection):
		code = CodeUnsupported
	case errors.Is(err, kgerr.ErrStorageUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		code = CodeStorageUnavailable
		msg = "storage unavailable"
	}
	if code != CodeUnsupported {
		ex.logger.Error("graphql field failed", "field", f.Name, "path", path.String(), "error", err)
	}

	gerr := newError(code, msg, path)
	if f.Position != nil {
		gerr.Locations = []gqlerror.Location{{Line: f.Position.Line, Column: f.Position.Column}}
	}
	gerr.Extensions["field"] = f.Name
	return gerr
}

func newError(code, message string, path ast.Path) *gqlerror.Error {
	return &gqlerror.Error{
		Message:    message,
		Path:       path,
		Extensions: map[string]any{"code": code},
	}
}

func asGQLError(err error, code string) *gqlerror.Error {
	var gerr *gqlerror.Error
	if errors.As(err, &gerr) {
		setCode(gerr, code)
		return gerr
	}
	return newError(code, err.Error(), nil)
}

func setCode(err *gqlerror.Error, code string) {
	if err.Extensions == nil {
		err.Extensions = map[string]any{}
	}
	if _, ok := err.Extensions["code"]; !ok {
		err.Extensions["code"] = code
	}
}
