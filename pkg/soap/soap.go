// Package soap implements the small slice of SOAP 1.1 the ESB speaks: request
// envelopes, body extraction and faults.
package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/jacoelho/xsd/pkg/xmlstream"
)

// Namespace is the SOAP 1.1 envelope namespace.
const Namespace = "http://schemas.xmlsoap.org/soap/envelope/"

// ContentType is the media type for SOAP 1.1 messages.
const ContentType = "text/xml; charset=utf-8"

// Fault codes.
const (
	CodeClient = "soap:Client"
	CodeServer = "soap:Server"
	CodeBusy   = "soap:Server.Busy"
)

// ErrElementNotFound is returned when ExtractElement finds no matching element.
var ErrElementNotFound = errors.New("element not found")

// BuildEnvelope wraps payload in a SOAP 1.1 envelope body.
func BuildEnvelope(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString(`<soapenv:Envelope xmlns:soapenv="` + Namespace + `"><soapenv:Header/><soapenv:Body>`)
	buf.Write(payload)
	buf.WriteString(`</soapenv:Body></soapenv:Envelope>`)
	return buf.Bytes()
}

// ExtractElement returns the first element named local anywhere in doc,
// ignoring namespaces. The subtree is re-serialized with its namespace
// declaration.
func ExtractElement(doc []byte, local string) ([]byte, error) {
	r, err := xmlstream.NewReader(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: <%s>", ErrElementNotFound, local)
		}
		if err != nil {
			return nil, err
		}
		if ev.Kind == xmlstream.EventStartElement && ev.Name.Local == local {
			return r.ReadSubtreeBytes()
		}
	}
}

// Fault is a SOAP 1.1 fault. Stage and Kind travel in the detail element.
type Fault struct {
	Code   string
	String string
	Stage  string
	Kind   string
}

func (f *Fault) Error() string {
	if f.Stage != "" {
		return fmt.Sprintf("%s (%s)", f.String, f.Code)
	}
	return f.String
}

// Marshal renders the fault as a complete SOAP envelope.
func (f *Fault) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString(`<soap:Envelope xmlns:soap="` + Namespace + `"><soap:Body><soap:Fault>`)
	writeElement(&buf, "faultcode", f.Code)
	writeElement(&buf, "faultstring", f.String)
	if f.Stage != "" || f.Kind != "" {
		buf.WriteString("<detail>")
		writeElement(&buf, "stage", f.Stage)
		writeElement(&buf, "kind", f.Kind)
		buf.WriteString("</detail>")
	}
	buf.WriteString(`</soap:Fault></soap:Body></soap:Envelope>`)
	return buf.Bytes()
}

// ParseFault reads a fault out of a SOAP response. It returns
// ErrElementNotFound when the message carries no fault.
func ParseFault(data []byte) (*Fault, error) {
	r, err := xmlstream.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var (
		fault   *Fault
		current string
		text    bytes.Buffer
	)
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
			if ev.Name.Local == "Fault" {
				fault = &Fault{}
			}
			current = ev.Name.Local
			text.Reset()
		case xmlstream.EventCharData:
			text.Write(ev.Text)
		case xmlstream.EventEndElement:
			if fault == nil || ev.Name.Local != current {
				continue
			}
			value := string(bytes.TrimSpace(text.Bytes()))
			switch current {
			case "faultcode":
				fault.Code = value
			case "faultstring":
				fault.String = value
			case "stage":
				fault.Stage = value
			case "kind":
				fault.Kind = value
			}
			current = ""
		}
	}
	if fault == nil {
		return nil, fmt.Errorf("%w: <Fault>", ErrElementNotFound)
	}
	return fault, nil
}

func writeElement(buf *bytes.Buffer, name, value string) {
	buf.WriteString("<" + name + ">")
	// EscapeText only fails when the writer does.
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteString("</" + name + ">")
}
