// Package transform converts XML documents into JSON using declarative YAML
// mapping stylesheets.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Transformer renders doc through the stylesheet named by ref.
type Transformer interface {
	Transform(ctx context.Context, doc []byte, ref string) ([]byte, error)
}

// Error reports a document the stylesheet could not render.
type Error struct {
	Ref       string
	Reason    string
	Malformed bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Ref, e.Reason)
}

// StylesheetTransformer loads stylesheets from a filesystem and caches them.
type StylesheetTransformer struct {
	fsys  fs.FS
	cache sync.Map // ref -> *Stylesheet
	group singleflight.Group
}

// NewStylesheetTransformer resolves stylesheet refs relative to dir.
func NewStylesheetTransformer(dir string) *StylesheetTransformer {
	return NewStylesheetTransformerFS(os.DirFS(dir))
}

// NewStylesheetTransformerFS resolves stylesheet refs inside fsys.
func NewStylesheetTransformerFS(fsys fs.FS) *StylesheetTransformer {
	return &StylesheetTransformer{fsys: fsys}
}

// Preload parses ref so configuration problems surface at startup.
func (t *StylesheetTransformer) Preload(ref string) error {
	_, err := t.stylesheet(ref)
	return err
}

// ContentType reports the media type produced by ref.
func (t *StylesheetTransformer) ContentType(ref string) (string, error) {
	s, err := t.stylesheet(ref)
	if err != nil {
		return "", err
	}
	return s.ContentType, nil
}

// Transform implements Transformer.
func (t *StylesheetTransformer) Transform(ctx context.Context, doc []byte, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := t.stylesheet(ref)
	if err != nil {
		return nil, err
	}
	return Apply(s, doc, ref)
}

// Apply renders doc with an already parsed stylesheet.
func Apply(s *Stylesheet, doc []byte, ref string) ([]byte, error) {
	root, err := parseTree(doc)
	if err != nil {
		return nil, &Error{Ref: ref, Reason: err.Error(), Malformed: true}
	}
	if root.name != s.Root {
		return nil, &Error{Ref: ref, Reason: fmt.Sprintf("expected root element %q, got %q", s.Root, root.name)}
	}

	var buf bytes.Buffer
	if err := writeObject(&buf, root, s.Output); err != nil {
		return nil, &Error{Ref: ref, Reason: err.Error()}
	}
	return buf.Bytes(), nil
}

func (t *StylesheetTransformer) stylesheet(ref string) (*Stylesheet, error) {
	ref = strings.TrimPrefix(ref, "/")
	if path.Ext(ref) == "" {
		ref += ".yaml"
	}
	if !fs.ValidPath(ref) {
		return nil, fmt.Errorf("invalid stylesheet reference %q", ref)
	}
	if cached, ok := t.cache.Load(ref); ok {
		return cached.(*Stylesheet), nil
	}

	v, err, _ := t.group.Do(ref, func() (any, error) {
		data, readErr := fs.ReadFile(t.fsys, ref)
		if readErr != nil {
			return nil, readErr
		}
		s, parseErr := ParseStylesheet(data)
		if parseErr != nil {
			return nil, parseErr
		}
		t.cache.Store(ref, s)
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load stylesheet %s: %w", ref, err)
	}
	return v.(*Stylesheet), nil
}

func writeObject(buf *bytes.Buffer, el *element, fields []Field) error {
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, f.Name)
		buf.WriteByte(':')
		if err := writeField(buf, el, f); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeField(buf *bytes.Buffer, el *element, f Field) error {
	switch {
	case f.Each != "":
		matches := el.find(f.Each)
		if len(matches) == 0 && f.Required {
			return fmt.Errorf("field %s: no elements match %q", f.Name, f.Each)
		}
		buf.WriteByte('[')
		for i, m := range matches {
			if i > 0 {
				buf.WriteByte(',')
			}
			var err error
			if len(f.Object) > 0 {
				err = writeObject(buf, m, f.Object)
			} else {
				err = writeScalar(buf, f, m.value())
			}
			if err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case len(f.Object) > 0:
		target := el
		if f.Select != "" {
			matches := el.find(f.Select)
			if len(matches) == 0 {
				if f.Required {
					return fmt.Errorf("field %s: no element matches %q", f.Name, f.Select)
				}
				buf.WriteString("null")
				return nil
			}
			target = matches[0]
		}
		return writeObject(buf, target, f.Object)

	default:
		value, ok := selectValue(el, f.Select)
		if !ok {
			if f.Required {
				return fmt.Errorf("field %s: nothing matches %q", f.Name, f.Select)
			}
			buf.WriteString("null")
			return nil
		}
		return writeScalar(buf, f, value)
	}
}

// selectValue resolves a path whose last step may be an "@attr" reference.
func selectValue(el *element, path string) (string, bool) {
	attr := ""
	if i := strings.LastIndex(path, "@"); i >= 0 {
		attr = path[i+1:]
		path = strings.TrimSuffix(path[:i], "/")
	}
	matches := el.find(path)
	if len(matches) == 0 {
		return "", false
	}
	if attr == "" {
		return matches[0].value(), true
	}
	v, ok := matches[0].attrs[attr]
	return v, ok
}

func writeScalar(buf *bytes.Buffer, f Field, value string) error {
	switch f.Type {
	case TypeNumber:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			buf.WriteString(strconv.FormatInt(n, 10))
			return nil
		}
		n, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
			return fmt.Errorf("field %s: %q is not a number", f.Name, value)
		}
		buf.WriteString(strconv.FormatFloat(n, 'f', -1, 64))
	case TypeBoolean:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("field %s: %q is not a boolean", f.Name, value)
		}
		buf.WriteString(strconv.FormatBool(b))
	default:
		writeString(buf, value)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	// json.Marshal of a string cannot fail.
	b, _ := json.Marshal(s)
	buf.Write(b)
}
