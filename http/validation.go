package http

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// requestSchema is the JSON schema of /verify and /settle request bodies
const requestSchema = `{
  "type": "object",
  "required": ["paymentPayload", "paymentRequirements"],
  "properties": {
    "x402Version": {"type": "integer", "minimum": 1},
    "paymentPayload": {
      "type": "object",
      "required": ["x402Version", "payload", "accepted"],
      "properties": {
        "x402Version": {"type": "integer", "minimum": 2},
        "payload": {
          "type": "object",
          "required": ["authorization"],
          "properties": {
            "signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"},
            "authorization": {
              "type": "object",
              "required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
              "properties": {
                "from": {"$ref": "#/definitions/address"},
                "to": {"$ref": "#/definitions/address"},
                "value": {"$ref": "#/definitions/uint"},
                "validAfter": {"$ref": "#/definitions/uint"},
                "validBefore": {"$ref": "#/definitions/uint"},
                "nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
              }
            }
          }
        },
        "accepted": {"$ref": "#/definitions/requirements"}
      }
    },
    "paymentRequirements": {"$ref": "#/definitions/requirements"}
  },
  "definitions": {
    "address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "uint": {"type": "string", "pattern": "^[0-9]+$"},
    "requirements": {
      "type": "object",
      "required": ["scheme", "network", "asset", "amount", "payTo"],
      "properties": {
        "scheme": {"type": "string", "minLength": 1},
        "network": {"type": "string", "minLength": 1},
        "asset": {"$ref": "#/definitions/address"},
        "amount": {"$ref": "#/definitions/uint"},
        "payTo": {"$ref": "#/definitions/address"},
        "maxTimeoutSeconds": {"type": "integer", "minimum": 0},
        "extra": {"type": "object"}
      }
    }
  }
}`

var requestSchemaLoader = gojsonschema.NewStringLoader(requestSchema)

// compiled once; a broken schema is a programming error
var compiledRequestSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(requestSchemaLoader)
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return schema
}()

// ValidateRequestBody checks a /verify or /settle body against the request
// schema. The error lists every violation.
func ValidateRequestBody(body []byte) error {
	result, err := compiledRequestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var violations []string
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("invalid request body: %s", strings.Join(violations, "; "))
}
