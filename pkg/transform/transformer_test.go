package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const sampleOrder = `<?xml version="1.0"?>
<order>
  <id>ORD-1001</id>
  <customer><name>John Doe</name><email>john@example.com</email></customer>
  <items>
    <item><sku>SKU-1</sku><qty>2</qty></item>
    <item><sku>SKU-2</sku><qty>1</qty></item>
  </items>
</order>`

func orderTransformer(t *testing.T) *StylesheetTransformer {
	t.Helper()
	tr := NewStylesheetTransformer("../../assets/stylesheets")
	require.NoError(t, tr.Preload("order-to-json.yaml"))
	return tr
}

func TestStylesheetTransformer_OrderToJSON(t *testing.T) {
	tr := orderTransformer(t)

	out, err := tr.Transform(context.Background(), []byte(sampleOrder), "order-to-json.yaml")
	require.NoError(t, err)

	want := `{"id":"ORD-1001","customer":{"name":"John Doe","email":"john@example.com"},"items":[{"sku":"SKU-1","qty":2},{"sku":"SKU-2","qty":1}]}`
	assert.Equal(t, want, string(out))

	bare, err := tr.Transform(context.Background(), []byte(sampleOrder), "order-to-json")
	require.NoError(t, err)
	assert.Equal(t, want, string(bare))

	ct, err := tr.ContentType("order-to-json.yaml")
	require.NoError(t, err)
	assert.Equal(t, "application/json", ct)
}

func TestStylesheetTransformer_Failures(t *testing.T) {
	tr := orderTransformer(t)

	cases := map[string]struct {
		doc       string
		malformed bool
	}{
		"malformed":     {doc: `<order><id>1</id>`, malformed: true},
		"empty":         {doc: ``, malformed: true},
		"wrong root":    {doc: `<invoice><id>1</id></invoice>`},
		"missing id":    {doc: `<order><items/></order>`},
		"bad quantity":  {doc: `<order><id>1</id><items><item><sku>A</sku><qty>many</qty></item></items></order>`},
		"trailing root": {doc: `<order><id>1</id></order><order/>`, malformed: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tr.Transform(context.Background(), []byte(tc.doc), "order-to-json.yaml")
			var terr *Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tc.malformed, terr.Malformed, terr.Error())
		})
	}
}

func TestStylesheetTransformer_AttributesAndTypes(t *testing.T) {
	fsys := fstest.MapFS{
		"flags.yaml": &fstest.MapFile{Data: []byte(`
root: shipment
output:
  - name: ref
    select: "@ref"
  - name: express
    select: express
    type: boolean
  - name: weight
    select: weight
    type: number
  - name: tags
    each: tags/tag
  - name: missing
    select: nowhere
`)},
	}
	tr := NewStylesheetTransformerFS(fsys)

	out, err := tr.Transform(context.Background(),
		[]byte(`<shipment ref="S-9"><express>true</express><weight>1.50</weight><tags><tag>a</tag><tag>b</tag></tags></shipment>`),
		"flags.yaml")
	require.NoError(t, err)
	assert.Equal(t, `{"ref":"S-9","express":true,"weight":1.5,"tags":["a","b"],"missing":null}`, string(out))
}

func TestParseStylesheet_Rejects(t *testing.T) {
	cases := map[string]string{
		"no root":     "output: [{name: a, select: a}]",
		"no output":   "root: a",
		"bad type":    "root: a\noutput: [{name: a, select: a, type: date}]",
		"empty field": "root: a\noutput: [{name: a}]",
		"duplicate":   "root: a\noutput: [{name: a, select: a}, {name: a, select: b}]",
		"attr each":   "root: a\noutput: [{name: a, each: \"b/@c\"}]",
		"not yaml":    "root: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStylesheet([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestStylesheetTransformer_UnknownRef(t *testing.T) {
	tr := NewStylesheetTransformerFS(fstest.MapFS{})
	assert.Error(t, tr.Preload("nope.yaml"))
	assert.Error(t, tr.Preload("../escape.yaml"))
}

type orderItem struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type orderDoc struct {
	ID       string            `json:"id"`
	Customer map[string]string `json:"customer"`
	Items    []orderItem       `json:"items"`
}

func TestStylesheetTransformer_PropertyRoundTrip(t *testing.T) {
	tr := orderTransformer(t)
	ident := rapid.StringMatching(`[A-Za-z0-9 ._@-]{1,20}`)

	rapid.Check(t, func(t *rapid.T) {
		want := orderDoc{
			ID:       ident.Draw(t, "id"),
			Customer: map[string]string{"name": ident.Draw(t, "name"), "email": ident.Draw(t, "email")},
		}
		n := rapid.IntRange(1, 5).Draw(t, "items")
		xmlItems := ""
		for i := 0; i < n; i++ {
			item := orderItem{SKU: ident.Draw(t, "sku"), Qty: rapid.IntRange(1, 1000).Draw(t, "qty")}
			want.Items = append(want.Items, item)
			xmlItems += fmt.Sprintf("<item><sku>%s</sku><qty>%d</qty></item>", item.SKU, item.Qty)
		}
		doc := fmt.Sprintf("<order><id>%s</id><customer><name>%s</name><email>%s</email></customer><items>%s</items></order>",
			want.ID, want.Customer["name"], want.Customer["email"], xmlItems)

		out, err := tr.Transform(context.Background(), []byte(doc), "order-to-json.yaml")
		if err != nil {
			t.Fatalf("transform: %v", err)
		}
		var got orderDoc
		if err := json.Unmarshal(out, &got); err != nil {
			t.Fatalf("invalid json %s: %v", out, err)
		}
		// Element text is trimmed, so compare against trimmed inputs.
		want = trimOrder(want)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("mismatch (-want +got):\n%s", diff)
		}
	})
}

func trimOrder(o orderDoc) orderDoc {
	trim := strings.TrimSpace
	o.ID = trim(o.ID)
	for k, v := range o.Customer {
		o.Customer[k] = trim(v)
	}
	for i := range o.Items {
		o.Items[i].SKU = trim(o.Items[i].SKU)
	}
	return o
}
