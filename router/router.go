// Package router holds the host's procedures in a tree addressed by dotted paths.
//
//	r := router.Router{
//		"math": router.Router{
//			"add": router.Proc(validate.JSON[AddInput](), add),
//		},
//		"ping": router.Query(ping),
//	}
//
// "math.add" resolves to the add procedure; "math" is a sub-router and cannot be called.
// The tree is built once by the host application and only read afterwards.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrPathNotFound  = errors.New("Path not found")
	ErrNotAProcedure = errors.New("Path is not a procedure")
)

// Node is either a *Procedure or a nested Router.
type Node interface {
	node()
}

// Router maps keys to procedures or nested routers.
type Router map[string]Node

func (Router) node() {}

// Resolve walks path segment by segment, matching keys exactly.
// It fails with ErrPathNotFound when a segment is missing or the walk runs into a
// procedure before the path ends, and with ErrNotAProcedure when the path names a
// sub-router.
func Resolve(r Router, path string) (*Procedure, error) {
	var current Node = r
	for _, part := range strings.Split(path, ".") {
		sub, ok := current.(Router)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		next, ok := sub[part]
		if !ok || next == nil {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		current = next
	}

	proc, ok := current.(*Procedure)
	if !ok || proc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAProcedure, path)
	}
	return proc, nil
}

// Paths lists every callable path in r, sorted.
func Paths(r Router) []string {
	var out []string
	walk(r, "", func(path string, _ *Procedure) {
		out = append(out, path)
	})
	sort.Strings(out)
	return out
}

func walk(r Router, prefix string, fn func(string, *Procedure)) {
	for key, n := range r {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := n.(type) {
		case *Procedure:
			fn(path, v)
		case Router:
			walk(v, path, fn)
		}
	}
}

// Merge combines routers into a new one. Sub-routers sharing a key are merged
// recursively; any other key collision is an error.
func Merge(routers ...Router) (Router, error) {
	out := Router{}
	for _, r := range routers {
		if err := mergeInto(out, r, ""); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func mergeInto(dst, src Router, prefix string) error {
	for key, n := range src {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		existing, taken := dst[key]
		if !taken {
			if sub, ok := n.(Router); ok {
				copied := Router{}
				if err := mergeInto(copied, sub, path); err != nil {
					return err
				}
				dst[key] = copied
			} else {
				dst[key] = n
			}
			continue
		}

		dstSub, ok1 := existing.(Router)
		srcSub, ok2 := n.(Router)
		if !ok1 || !ok2 {
			return fmt.Errorf("router: duplicate path %q", path)
		}
		if err := mergeInto(dstSub, srcSub, path); err != nil {
			return err
		}
	}
	return nil
}
