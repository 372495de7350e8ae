// Package validate checks untrusted procedure input before any host logic runs.
//
// A Validator turns the raw JSON input of a request into a typed value or a *Error
// listing what was wrong with it. The dispatcher embeds Error's text in the
// "Invalid input: …" response, so issues are phrased for the caller.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validator validates and parses one procedure input.
type Validator[T any] interface {
	Validate(raw json.RawMessage) (T, error)
}

// Issue is one problem found in an input.
type Issue struct {
	Path    string // dotted json path of the offending field, empty for the input itself
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Error is returned when an input is rejected.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return strings.Join(parts, "; ")
}

func reject(path, format string, args ...any) *Error {
	return &Error{Issues: []Issue{{Path: path, Message: fmt.Sprintf(format, args...)}}}
}

// Absent reports whether raw carries no input at all.
func Absent(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0
}

// FuncValidator adapts a plain function.
type FuncValidator[T any] func(raw json.RawMessage) (T, error)

func (f FuncValidator[T]) Validate(raw json.RawMessage) (T, error) { return f(raw) }

// Func wraps fn as a Validator.
func Func[T any](fn func(raw json.RawMessage) (T, error)) Validator[T] {
	return FuncValidator[T](fn)
}

// Void accepts only an absent input. Procedures declared without an input use it, so
// sending them anything, including null, is a validation failure.
func Void() Validator[struct{}] {
	return FuncValidator[struct{}](func(raw json.RawMessage) (struct{}, error) {
		if !Absent(raw) {
			return struct{}{}, reject("", "expected no input, got %s", describe(raw))
		}
		return struct{}{}, nil
	})
}

// JSON decodes the input into T and then applies the `validate` struct tags of T
// (github.com/go-playground/validator syntax). Unknown fields are ignored.
func JSON[T any]() Validator[T] {
	return jsonValidator[T]{}
}

type jsonValidator[T any] struct{}

func (jsonValidator[T]) Validate(raw json.RawMessage) (T, error) {
	var v T
	if Absent(raw) {
		return v, reject("", "input is required")
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, decodeError(err)
	}

	if err := checkStruct(v); err != nil {
		return v, err
	}
	return v, nil
}

func decodeError(err error) *Error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		want := typeErr.Type.Kind().String()
		switch typeErr.Type.Kind() {
		case reflect.Struct, reflect.Map:
			want = "object"
		case reflect.Slice, reflect.Array:
			want = "array"
		}
		return reject(typeErr.Field, "expected %s, got %s", want, typeErr.Value)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return reject("", "malformed JSON at offset %d", syntaxErr.Offset)
	}
	return reject("", "%s", err.Error())
}

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func getStructValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their json names, the ones the caller actually sent
		structValidator.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			switch name {
			case "-":
				return ""
			case "":
				return fld.Name
			}
			return name
		})
	})
	return structValidator
}

func checkStruct(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	err := getStructValidator().Struct(rv.Interface())
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return reject("", "%s", err.Error())
	}

	out := &Error{Issues: make([]Issue, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Issues = append(out.Issues, Issue{
			Path:    fieldPath(fe.Namespace()),
			Message: ruleMessage(fe),
		})
	}
	return out
}

// fieldPath drops the root struct name from a validator namespace ("AddInput.a" → "a").
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func ruleMessage(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("failed %s", fe.Tag())
}

func describe(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		return "null"
	case len(trimmed) == 0:
		return "nothing"
	}
	switch trimmed[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	}
	return "number"
}

// Type validates input against a type only known at run time, the way JSON does for a
// static type. The parsed value is a pointer to a new value of typ.
func Type(typ reflect.Type) Validator[any] {
	return FuncValidator[any](func(raw json.RawMessage) (any, error) {
		if Absent(raw) {
			return nil, reject("", "input is required")
		}
		ptr := reflect.New(typ)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return nil, decodeError(err)
		}
		if err := checkStruct(ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Interface(), nil
	})
}
