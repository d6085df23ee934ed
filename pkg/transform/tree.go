package transform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jacoelho/xsd/pkg/xmlstream"
)

// element is a namespace-agnostic view of an XML element.
type element struct {
	name     string
	attrs    map[string]string
	children []*element
	text     strings.Builder
}

func (e *element) value() string {
	return strings.TrimSpace(e.text.String())
}

// find returns every element reached by a slash separated path of local names.
// An empty path or "." selects e itself.
func (e *element) find(path string) []*element {
	path = strings.Trim(path, "/")
	if path == "" || path == "." {
		return []*element{e}
	}
	current := []*element{e}
	for _, step := range strings.Split(path, "/") {
		var next []*element
		for _, el := range current {
			for _, child := range el.children {
				if step == "*" || child.name == step {
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

// parseTree reads doc into an element tree.
func parseTree(doc []byte) (*element, error) {
	r, err := xmlstream.NewReader(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}

	var root *element
	var stack []*element
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev.Kind {
		case xmlstream.EventStartElement:
			el := &element{name: ev.Name.Local}
			if len(ev.Attrs) > 0 {
				el.attrs = make(map[string]string, len(ev.Attrs))
				for _, a := range ev.Attrs {
					el.attrs[a.Name.Local] = string(a.Value)
				}
			}
			switch {
			case len(stack) > 0:
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			case root == nil:
				root = el
			default:
				return nil, fmt.Errorf("multiple root elements: %s", el.name)
			}
			stack = append(stack, el)
		case xmlstream.EventEndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced end element %s", ev.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xmlstream.EventCharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(ev.Text)
			}
		}
	}

	if root == nil {
		return nil, errors.New("document has no root element")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unexpected end of document inside %s", stack[len(stack)-1].name)
	}
	return root, nil
}
