package tool

import (
	"errors"
	"testing"
)

const petsOpenAPI = `{
  "openapi": "3.0.0",
  "paths": {
    "/pets/{petId}": {
      "parameters": [
        {"name": "petId", "in": "path", "schema": {"type": "string"}}
      ],
      "get": {
        "operationId": "getPet",
        "summary": "Get a pet",
        "parameters": [
          {"name": "verbose", "in": "query", "schema": {"type": "boolean"}},
          {"name": "X-Trace", "in": "header", "schema": {"type": "string"}},
          {"$ref": "#/components/parameters/Fields"}
        ]
      },
      "delete": {
        "x-tool-hidden": true
      }
    },
    "/pets": {
      "post": {
        "summary": "Create a pet",
        "x-tool-display-name": "New pet",
        "x-tool-categories": ["animals"],
        "x-tool-credentials": [{"name": "petstore_key", "required": true}],
        "requestBody": {
          "content": {
            "application/json": {
              "schema": {"$ref": "#/components/schemas/Pet"}
            }
          }
        }
      }
    }
  },
  "components": {
    "parameters": {
      "Fields": {"name": "fields", "in": "query", "schema": {"type": "string", "enum": ["id", "name"]}}
    },
    "schemas": {
      "Pet": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "example": "Rex"},
          "age": {"type": "integer"},
          "owner": {"$ref": "#/components/schemas/Owner"},
          "friends": {"type": "array", "items": {"$ref": "#/components/schemas/Pet"}}
        }
      },
      "Owner": {
        "type": "object",
        "properties": {
          "email": {"type": "string"}
        }
      }
    }
  }
}`

func findProperty(props []Property, name string) (Property, bool) {
	for _, p := range props {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

func TestParseOpenAPINamesAndOrder(t *testing.T) {
	tools, err := ParseOpenAPI("petstore", []byte(petsOpenAPI))
	if err != nil {
		t.Fatalf("ParseOpenAPI() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2 (hidden operation skipped)", len(tools))
	}
	if tools[0].Name != "petstore__POST__/pets" {
		t.Fatalf("tools[0].Name = %q", tools[0].Name)
	}
	if tools[1].Name != "petstore__GET__/pets/{petId}" {
		t.Fatalf("tools[1].Name = %q", tools[1].Name)
	}
	if tools[1].APIInfo != (APIInfo{Method: "GET", Path: "/pets/{petId}"}) {
		t.Fatalf("APIInfo = %+v", tools[1].APIInfo)
	}
}

func TestParseOpenAPIParameters(t *testing.T) {
	tools, err := ParseOpenAPI("petstore", []byte(petsOpenAPI))
	if err != nil {
		t.Fatalf("ParseOpenAPI() error = %v", err)
	}
	get := tools[1]

	petID, ok := findProperty(get.Input, "PATH#petId")
	if !ok {
		t.Fatalf("PATH#petId missing from %+v", get.Input)
	}
	if !petID.Required || petID.In != LocationPath {
		t.Fatalf("PATH#petId = %+v, want required path property", petID)
	}

	verbose, ok := findProperty(get.Input, "QUERY#verbose")
	if !ok || verbose.Type != "boolean" {
		t.Fatalf("QUERY#verbose = %+v, %v", verbose, ok)
	}

	fields, ok := findProperty(get.Input, "QUERY#fields")
	if !ok {
		t.Fatal("referenced parameter QUERY#fields missing")
	}
	if fields.Type != "options" || len(fields.Options) != 2 {
		t.Fatalf("QUERY#fields = %+v, want enum options", fields)
	}

	for _, p := range get.Input {
		if p.DisplayName == "X-Trace" {
			t.Fatalf("header parameter should not become an input: %+v", p)
		}
	}
	if get.DisplayName != "Get a pet" || get.Icon != defaultToolIcon {
		t.Fatalf("DisplayName, Icon = %q, %q", get.DisplayName, get.Icon)
	}
}

func TestParseOpenAPIRequestBody(t *testing.T) {
	tools, err := ParseOpenAPI("petstore", []byte(petsOpenAPI))
	if err != nil {
		t.Fatalf("ParseOpenAPI() error = %v", err)
	}
	post := tools[0]

	if post.DisplayName != "New pet" {
		t.Fatalf("DisplayName = %q, want x-tool-display-name override", post.DisplayName)
	}
	if len(post.Credentials) != 1 || post.Credentials[0].Name != "petstore:petstore_key" {
		t.Fatalf("Credentials = %+v", post.Credentials)
	}

	name, ok := findProperty(post.Input, "BODY#name")
	if !ok || !name.Required || name.In != LocationBody || name.Placeholder != "Rex" {
		t.Fatalf("BODY#name = %+v, %v", name, ok)
	}
	age, ok := findProperty(post.Input, "BODY#age")
	if !ok || age.Type != "number" {
		t.Fatalf("BODY#age = %+v, %v", age, ok)
	}

	owner, ok := findProperty(post.Input, "BODY#owner")
	if !ok || owner.Type != "json" {
		t.Fatalf("BODY#owner = %+v, %v", owner, ok)
	}
	if _, ok := findProperty(owner.Children, "email"); !ok {
		t.Fatalf("owner children = %+v, want email", owner.Children)
	}

	friends, ok := findProperty(post.Input, "BODY#friends")
	if !ok || friends.Type != "nestedArray" {
		t.Fatalf("BODY#friends = %+v, %v", friends, ok)
	}
	if _, ok := findProperty(friends.Children, "name"); !ok {
		t.Fatalf("friends children = %+v, want Pet properties", friends.Children)
	}
	nested, _ := findProperty(friends.Children, "friends")
	if len(nested.Children) != 0 {
		t.Fatalf("recursive Pet reference should stop, got %d children", len(nested.Children))
	}
}

func TestParseOpenAPIYAML(t *testing.T) {
	doc := `
openapi: 3.0.0
paths:
  /forecast:
    get:
      summary: Forecast
      parameters:
        - name: city
          in: query
          required: true
          schema:
            type: string
`
	tools, err := ParseOpenAPI("weather", []byte(doc))
	if err != nil {
		t.Fatalf("ParseOpenAPI() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "weather__GET__/forecast" {
		t.Fatalf("tools = %+v", tools)
	}
	city, ok := findProperty(tools[0].Input, "QUERY#city")
	if !ok || !city.Required {
		t.Fatalf("QUERY#city = %+v, %v", city, ok)
	}
}

func TestParseOpenAPIRejectsEmptyDocument(t *testing.T) {
	for _, doc := range []string{`{"openapi":"3.0.0"}`, `not: [valid`} {
		_, err := ParseOpenAPI("ns", []byte(doc))
		var v *ValidationError
		if !errors.As(err, &v) {
			t.Errorf("ParseOpenAPI(%q) error = %v, want ValidationError", doc, err)
		}
	}
}
