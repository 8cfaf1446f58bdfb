package tool

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

const (
	defaultToolIcon = "emoji:🍀:#ceefc5"
	maxRefDepth     = 16
)

var openAPIMethods = []string{"get", "post", "put", "patch", "delete", "head", "options", "trace"}

type openAPIDocument struct {
	Paths      map[string]map[string]json.RawMessage `json:"paths"`
	Components struct {
		Schemas    map[string]*openAPISchema    `json:"schemas"`
		Parameters map[string]*openAPIParameter `json:"parameters"`
	} `json:"components"`
}

type openAPIOperation struct {
	OperationID string              `json:"operationId"`
	Summary     string              `json:"summary"`
	Description string              `json:"description"`
	Parameters  []*openAPIParameter `json:"parameters"`
	RequestBody *struct {
		Content map[string]struct {
			Schema *openAPISchema `json:"schema"`
		} `json:"content"`
	} `json:"requestBody"`

	Hidden          bool            `json:"x-tool-hidden"`
	ToolDisplayName string          `json:"x-tool-display-name"`
	ToolDescription string          `json:"x-tool-description"`
	Categories      []string        `json:"x-tool-categories"`
	Icon            string          `json:"x-tool-icon"`
	Input           []Property      `json:"x-tool-input"`
	Output          []Property      `json:"x-tool-output"`
	Rules           map[string]any  `json:"x-tool-rules"`
	Extra           map[string]any  `json:"x-tool-extra"`
	Credentials     []CredentialRef `json:"x-tool-credentials"`
}

type openAPIParameter struct {
	Ref         string         `json:"$ref"`
	Name        string         `json:"name"`
	In          string         `json:"in"`
	Description string         `json:"description"`
	Required    bool           `json:"required"`
	Example     any            `json:"example"`
	Schema      *openAPISchema `json:"schema"`
}

type openAPISchema struct {
	Ref         string                    `json:"$ref"`
	Type        string                    `json:"type"`
	Description string                    `json:"description"`
	Example     any                       `json:"example"`
	Examples    []any                     `json:"examples"`
	Default     any                       `json:"default"`
	Enum        []any                     `json:"enum"`
	Required    []string                  `json:"required"`
	Properties  map[string]*openAPISchema `json:"properties"`
	Items       *openAPISchema            `json:"items"`
	AllOf       []*openAPISchema          `json:"allOf"`
}

// ToolName builds the dispatch name of an operation.
func ToolName(namespace, method, path string) string {
	return namespace + "__" + strings.ToUpper(method) + "__" + path
}

// ParseOpenAPI maps every operation of an OpenAPI 3 document (JSON or YAML)
// to a tool definition in namespace. Operations are emitted sorted by path
// then method. x-tool-* extensions override the derived fields and
// x-tool-hidden skips an operation.
func ParseOpenAPI(namespace string, data []byte) ([]ToolDefinition, error) {
	var doc openAPIDocument
	if err := decodeDocument(data, &doc); err != nil {
		return nil, &ValidationError{Field: "openapi", Reason: err.Error()}
	}
	if len(doc.Paths) == 0 {
		return nil, newValidationError("openapi.paths", "document declares no paths")
	}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var (
		tools []ToolDefinition
		names = make(map[string]struct{})
	)
	for _, path := range paths {
		item := doc.Paths[path]

		var shared []*openAPIParameter
		if raw, ok := item["parameters"]; ok {
			if err := json.Unmarshal(raw, &shared); err != nil {
				return nil, newValidationError("openapi.paths", "%s parameters: %v", path, err)
			}
		}

		for _, method := range openAPIMethods {
			raw, ok := item[method]
			if !ok {
				continue
			}
			var op openAPIOperation
			if err := json.Unmarshal(raw, &op); err != nil {
				return nil, newValidationError("openapi.paths", "%s %s: %v", method, path, err)
			}
			if op.Hidden {
				continue
			}

			def := doc.operationTool(namespace, method, path, op, shared)
			if _, dup := names[def.Name]; dup {
				return nil, newValidationError("openapi.paths", "duplicate tool name %q", def.Name)
			}
			names[def.Name] = struct{}{}
			tools = append(tools, def)
		}
	}
	return tools, nil
}

func (doc *openAPIDocument) operationTool(namespace, method, path string, op openAPIOperation, shared []*openAPIParameter) ToolDefinition {
	name := ToolName(namespace, method, path)
	label := op.OperationID
	if label == "" {
		label = strings.ToUpper(method) + " " + path
	}

	def := ToolDefinition{
		Namespace:   namespace,
		Name:        name,
		DisplayName: firstNonEmpty(op.ToolDisplayName, op.Summary, op.Description, label),
		Description: firstNonEmpty(op.ToolDescription, op.Description, op.Summary, label),
		Categories:  op.Categories,
		Icon:        firstNonEmpty(op.Icon, defaultToolIcon),
		Output:      op.Output,
		Rules:       op.Rules,
		Extra:       op.Extra,
		APIInfo:     APIInfo{Method: strings.ToUpper(method), Path: path},
		Public:      true,
	}
	if def.Categories == nil {
		def.Categories = []string{}
	}
	for _, ref := range op.Credentials {
		ref.Name = namespace + ":" + ref.Name
		def.Credentials = append(def.Credentials, ref)
	}

	if op.Input != nil {
		def.Input = op.Input
		return def
	}

	params := make([]*openAPIParameter, 0, len(shared)+len(op.Parameters))
	params = append(params, shared...)
	params = append(params, op.Parameters...)
	for _, p := range params {
		p = doc.resolveParameter(p)
		if p == nil || p.Name == "" {
			continue
		}
		loc, ok := ParseParamLocation(p.In)
		if !ok {
			// Header and cookie parameters are supplied by the relay itself.
			continue
		}
		prop := Property{
			Name:        string(loc) + "#" + p.Name,
			DisplayName: p.Name,
			Type:        "string",
			In:          loc,
			Required:    p.Required || loc == LocationPath,
			Description: p.Description,
			Placeholder: placeholderOf(p.Example),
		}
		if p.Schema != nil {
			schema := doc.resolveSchema(p.Schema)
			prop.Type = propertyType(schema)
			prop.Default = schema.Default
			prop.Options = enumOptions(schema.Enum)
			if len(prop.Options) > 0 {
				prop.Type = "options"
			}
		}
		def.Input = append(def.Input, prop)
	}

	if op.RequestBody != nil {
		if media, ok := op.RequestBody.Content["application/json"]; ok && media.Schema != nil {
			body := doc.resolveSchema(media.Schema)
			def.Input = append(def.Input, doc.bodyProperties(body, map[string]bool{}, true)...)
		}
	}
	return def
}

func (doc *openAPIDocument) bodyProperties(schema *openAPISchema, visiting map[string]bool, top bool) []Property {
	if schema == nil || len(schema.Properties) == 0 {
		return nil
	}
	names := make([]string, 0, len(schema.Properties))
	for n := range schema.Properties {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]Property, 0, len(names))
	for _, n := range names {
		raw := schema.Properties[n]
		field := doc.resolveSchema(raw)
		prop := Property{
			Name:        n,
			DisplayName: n,
			Type:        propertyType(field),
			Required:    slices.Contains(schema.Required, n),
			Description: field.Description,
			Placeholder: placeholderOf(field.Example),
			Default:     field.Default,
			Options:     enumOptions(field.Enum),
		}
		if len(field.Examples) > 0 {
			prop.Default = field.Examples[0]
		}
		if len(prop.Options) > 0 {
			prop.Type = "options"
		}
		if top {
			prop.Name = string(LocationBody) + "#" + n
			prop.In = LocationBody
		}

		if child, key := nestedSchema(raw, field); child != nil && !visiting[key] {
			if key != "" {
				visiting[key] = true
			}
			prop.Children = doc.bodyProperties(doc.resolveSchema(child), visiting, false)
			delete(visiting, key)
		}
		out = append(out, prop)
	}
	return out
}

// resolveSchema follows local component references. Unknown references and
// reference chains deeper than maxRefDepth resolve to an empty schema.
func (doc *openAPIDocument) resolveSchema(s *openAPISchema) *openAPISchema {
	for depth := 0; s != nil && s.Ref != ""; depth++ {
		if depth >= maxRefDepth {
			return &openAPISchema{}
		}
		name, ok := strings.CutPrefix(s.Ref, "#/components/schemas/")
		if !ok {
			return &openAPISchema{}
		}
		s = doc.Components.Schemas[name]
	}
	if s == nil {
		return &openAPISchema{}
	}
	return s
}

// nestedSchema returns the schema whose properties become children of a
// body property, with the reference used to break cycles.
func nestedSchema(raw, field *openAPISchema) (*openAPISchema, string) {
	switch {
	case len(field.AllOf) > 0:
		return field.AllOf[0], field.AllOf[0].Ref
	case field.Items != nil && field.Items.Ref != "":
		return field.Items, field.Items.Ref
	case field.Type == "object" && len(field.Properties) > 0:
		return field, raw.Ref
	}
	return nil, ""
}

func (doc *openAPIDocument) resolveParameter(p *openAPIParameter) *openAPIParameter {
	if p == nil || p.Ref == "" {
		return p
	}
	name, ok := strings.CutPrefix(p.Ref, "#/components/parameters/")
	if !ok {
		return nil
	}
	return doc.Components.Parameters[name]
}

func propertyType(s *openAPISchema) string {
	switch {
	case len(s.AllOf) > 0:
		return "nestedJsonObject"
	case s.Items != nil && s.Items.Ref != "":
		return "nestedArray"
	}
	switch s.Type {
	case "boolean":
		return "boolean"
	case "number", "integer":
		return "number"
	case "object":
		return "json"
	default:
		return "string"
	}
}

func enumOptions(values []any) []Option {
	if len(values) == 0 {
		return nil
	}
	out := make([]Option, 0, len(values))
	for _, v := range values {
		out = append(out, Option{Name: v, Value: v})
	}
	return out
}

func placeholderOf(example any) any {
	switch example.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		data, err := json.Marshal(example)
		if err != nil {
			return nil
		}
		return string(data)
	default:
		return example
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// String is used in log attributes.
func (a APIInfo) String() string {
	return fmt.Sprintf("%s %s", a.Method, a.Path)
}
