// Package main is the entry point for send-order, a client that posts a sample
// SOAP order to the ESB and prints the reply.
package main

import (
	"bytes"
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/polisai/polis-esb/pkg/soap"
)

const defaultURL = "http://localhost:8080/OrderService"

// orderItem and sampleOrder mirror assets/schemas/order.xsd.
type orderItem struct {
	SKU string `xml:"sku"`
	Qty int    `xml:"qty"`
}

type sampleOrder struct {
	XMLName  xml.Name `xml:"order"`
	ID       string   `xml:"id"`
	Customer struct {
		Name  string `xml:"name"`
		Email string `xml:"email"`
	} `xml:"customer"`
	Items []orderItem `xml:"items>item"`
}

func main() {
	url := flag.String("url", defaultURL, "ESB endpoint")
	id := flag.String("id", "ORD-1001", "Order id")
	name := flag.String("name", "John Doe", "Customer name")
	email := flag.String("email", "john@example.com", "Customer email")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	payload, err := buildOrder(*id, *name, *email)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, body, err := send(ctx, http.DefaultClient, *url, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(describe(status, body))
	if status >= 300 {
		os.Exit(2)
	}
}

// buildOrder renders a two-item order wrapped in a SOAP envelope.
func buildOrder(id, name, email string) ([]byte, error) {
	order := sampleOrder{ID: id}
	order.Customer.Name = name
	order.Customer.Email = email
	order.Items = []orderItem{{SKU: "ABC123", Qty: 2}, {SKU: "XYZ789", Qty: 1}}

	raw, err := xml.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	return soap.BuildEnvelope(raw), nil
}

func send(ctx context.Context, client *http.Client, url string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", soap.ContentType)
	req.Header.Set("SOAPAction", "submitOrder")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post order: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read reply: %w", err)
	}
	return resp.StatusCode, body, nil
}

// describe formats the reply for the terminal, decoding SOAP faults.
func describe(status int, body []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %d\n", status)
	if fault, err := soap.ParseFault(body); err == nil {
		fmt.Fprintf(&b, "Fault: %s\n", fault.Code)
		fmt.Fprintf(&b, "Reason: %s\n", fault.String)
		if fault.Stage != "" {
			fmt.Fprintf(&b, "Stage: %s (%s)\n", fault.Stage, fault.Kind)
		}
		return b.String()
	}
	fmt.Fprintf(&b, "Body: %s\n", body)
	return b.String()
}
