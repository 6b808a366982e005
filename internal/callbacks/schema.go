package callbacks

import (
	"embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	kycSchema     = mustSchema("schemas/kyc_event.json")
	paymentSchema = mustSchema("schemas/payment_event.json")
)

func mustSchema(name string) *gojsonschema.Schema {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("callbacks: compile %s: %v", name, err))
	}
	return schema
}

// conform returns the schema violations in body, or an error if body is
// not JSON at all.
func conform(schema *gojsonschema.Schema, body []byte) ([]string, error) {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if res.Valid() {
		return nil, nil
	}
	problems := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		problems = append(problems, e.String())
	}
	return problems, nil
}
