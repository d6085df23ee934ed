// Package schema validates XML documents against XSD schemas.
package schema

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/jacoelho/xsd"
	xsderrors "github.com/jacoelho/xsd/errors"
	"golang.org/x/sync/singleflight"
)

// Validator checks a document against the schema named by ref.
type Validator interface {
	Validate(ctx context.Context, doc []byte, ref string) error
}

// Error reports a document that failed validation. Malformed is set when the
// document could not be parsed as XML at all.
type Error struct {
	Ref        string
	Violations []string
	Malformed  bool
}

func (e *Error) Error() string {
	switch len(e.Violations) {
	case 0:
		return fmt.Sprintf("document does not conform to %s", e.Ref)
	case 1:
		return e.Violations[0]
	default:
		return fmt.Sprintf("%s (and %d more)", e.Violations[0], len(e.Violations)-1)
	}
}

// XSDValidator compiles schemas from a filesystem on first use and caches them.
// Compiled schemas are safe for concurrent validation.
type XSDValidator struct {
	fsys  fs.FS
	cache sync.Map // ref -> *xsd.Schema
	group singleflight.Group
}

// NewXSDValidator resolves schema refs relative to dir.
func NewXSDValidator(dir string) *XSDValidator {
	return NewXSDValidatorFS(os.DirFS(dir))
}

// NewXSDValidatorFS resolves schema refs inside fsys.
func NewXSDValidatorFS(fsys fs.FS) *XSDValidator {
	return &XSDValidator{fsys: fsys}
}

// Preload compiles ref so configuration problems surface before traffic arrives.
func (v *XSDValidator) Preload(ref string) error {
	_, err := v.schema(ref)
	return err
}

// Validate implements Validator.
func (v *XSDValidator) Validate(ctx context.Context, doc []byte, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	schema, err := v.schema(ref)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- schema.Validate(bytes.NewReader(doc))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case verr := <-done:
		return toError(ref, verr)
	}
}

func (v *XSDValidator) schema(ref string) (*xsd.Schema, error) {
	ref = strings.TrimPrefix(ref, "/")
	if !fs.ValidPath(ref) {
		return nil, fmt.Errorf("invalid schema reference %q", ref)
	}
	if cached, ok := v.cache.Load(ref); ok {
		return cached.(*xsd.Schema), nil
	}

	compiled, err, _ := v.group.Do(ref, func() (any, error) {
		s, loadErr := xsd.Load(v.fsys, ref)
		if loadErr != nil {
			return nil, loadErr
		}
		v.cache.Store(ref, s)
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", ref, err)
	}
	return compiled.(*xsd.Schema), nil
}

func toError(ref string, err error) error {
	if err == nil {
		return nil
	}
	violations, ok := xsderrors.AsValidations(err)
	if !ok {
		return &Error{Ref: ref, Violations: []string{err.Error()}, Malformed: true}
	}

	out := &Error{Ref: ref, Violations: make([]string, 0, len(violations))}
	for i := range violations {
		if violations[i].Code == string(xsderrors.ErrXMLParse) {
			out.Malformed = true
		}
		out.Violations = append(out.Violations, violations[i].Error())
	}
	return out
}
