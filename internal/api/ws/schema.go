package ws

import (
	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON string

// envelopeSchema validates incoming frames before they are decoded into
// typed envelopes. Compilation happens once at package load; the schema is
// embedded, so a failure here is a build defect.
var envelopeSchema = jsonschema.MustCompileString("envelope.schema.json", envelopeSchemaJSON)
