package router

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"wrpc/validate"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Service builds a Router from the exported methods of rcvr, keyed by method name.
// It returns the receiver's type name, which callers usually mount the router under.
//
// Methods become procedures when they look like
//
//	func (s *T) Method(ctx context.Context, args *Args) (Reply, error)
//	func (s *T) Method(ctx context.Context) (Reply, error)
//
// Args is decoded and validated like validate.JSON; other methods are skipped.
func Service(rcvr any) (string, Router, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return "", nil, fmt.Errorf("router: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return "", nil, fmt.Errorf("router: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)

	r := Router{}
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if proc := methodProcedure(val, method); proc != nil {
			r[method.Name] = proc
		}
	}
	if len(r) == 0 {
		return "", nil, fmt.Errorf("router: %s has no methods usable as procedures", typ.Elem().Name())
	}
	return typ.Elem().Name(), r, nil
}

func methodProcedure(rcvr reflect.Value, method reflect.Method) *Procedure {
	mt := method.Type
	if mt.NumOut() != 2 || mt.Out(1) != errorType {
		return nil
	}
	if mt.NumIn() < 2 || mt.NumIn() > 3 || mt.In(1) != contextType {
		return nil
	}

	var check func([]byte) (any, error)
	switch mt.NumIn() {
	case 2:
		check = func(raw []byte) (any, error) { return validate.Void().Validate(raw) }
	case 3:
		if mt.In(2).Kind() != reflect.Pointer {
			return nil
		}
		v := validate.Type(mt.In(2).Elem())
		check = func(raw []byte) (any, error) { return v.Validate(raw) }
	}

	return &Procedure{
		validate: func(raw json.RawMessage) (any, error) { return check(raw) },
		resolve: func(ctx context.Context, input any, hc any) (any, error) {
			args := []reflect.Value{rcvr, reflect.ValueOf(withHostContext(ctx, hc))}
			if mt.NumIn() == 3 {
				argv := reflect.ValueOf(input)
				if argv.Type() != mt.In(2) {
					return nil, fmt.Errorf("router: input has type %s, want %s", argv.Type(), mt.In(2))
				}
				args = append(args, argv)
			}

			results := method.Func.Call(args)
			if errv := results[1]; !errv.IsNil() {
				return nil, errv.Interface().(error)
			}
			return results[0].Interface(), nil
		},
	}
}
