package worker

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/petal-labs/toolrelay/tool"
)

// Reserved task input keys. Every other key follows LOCATION#name.
const (
	KeyToolName       = "__toolName"
	KeyContext        = "__context"
	KeyAdvancedConfig = "__advancedConfig"
	KeyCredential     = "credential"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// ToolRef is a parsed dispatch name.
type ToolRef struct {
	Namespace string
	Method    string
	Path      string
}

// Name reassembles the dispatch name.
func (r ToolRef) Name() string {
	return tool.ToolName(r.Namespace, r.Method, r.Path)
}

// ParseToolName splits {namespace}__{METHOD}__{pathTemplate}. The path may
// itself contain "__".
func ParseToolName(name string) (ToolRef, error) {
	parts := strings.SplitN(strings.TrimSpace(name), "__", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ToolRef{}, &tool.ValidationError{Field: KeyToolName, Reason: fmt.Sprintf("%q is not {namespace}__{method}__{path}", name)}
	}
	return ToolRef{Namespace: parts[0], Method: strings.ToUpper(parts[1]), Path: parts[2]}, nil
}

// RequestDescriptor is the outbound call built from task input.
type RequestDescriptor struct {
	Method string
	Path   string
	Query  url.Values
	Body   map[string]any
}

// BuildRequest partitions input by the LOCATION#name grammar. Nil and empty
// string values are skipped. PATH values replace {name} placeholders in the
// template verbatim, so a value may span several segments; placeholders left over fall back to a bare input key of the same
// name. Bare keys also go to the body. Reserved keys are ignored.
func BuildRequest(method, pathTemplate string, input map[string]any) (RequestDescriptor, error) {
	req := RequestDescriptor{
		Method: strings.ToUpper(strings.TrimSpace(method)),
		Query:  url.Values{},
		Body:   map[string]any{},
	}
	if req.Method == "" {
		return RequestDescriptor{}, &tool.ValidationError{Field: "method", Reason: "is empty"}
	}

	pathParams := map[string]string{}
	bare := map[string]any{}
	for _, key := range sortedKeys(input) {
		value := input[key]
		if isReserved(key) || isBlank(value) {
			continue
		}
		loc, name, ok := splitKey(key)
		if !ok {
			bare[key] = value
			req.Body[key] = value
			continue
		}
		switch loc {
		case tool.LocationPath:
			pathParams[name] = stringValue(value)
		case tool.LocationQuery:
			addQuery(req.Query, name, value)
		case tool.LocationBody:
			req.Body[name] = value
		}
	}

	path := placeholderPattern.ReplaceAllStringFunc(pathTemplate, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := pathParams[name]; ok {
			return v
		}
		if v, ok := bare[name]; ok {
			return stringValue(v)
		}
		return m
	})
	if left := placeholderPattern.FindString(path); left != "" {
		return RequestDescriptor{}, &tool.ValidationError{Field: "PATH", Reason: fmt.Sprintf("no value for path parameter %s", left)}
	}
	req.Path = path
	return req, nil
}

// splitKey recognizes LOCATION#name. A key whose prefix is not a known
// location is a bare key.
func splitKey(key string) (tool.ParamLocation, string, bool) {
	prefix, name, found := strings.Cut(key, "#")
	if !found || name == "" {
		return "", "", false
	}
	loc, ok := tool.ParseParamLocation(prefix)
	if !ok || prefix != string(loc) {
		return "", "", false
	}
	return loc, name, true
}

func isReserved(key string) bool {
	switch key {
	case KeyToolName, KeyContext, KeyAdvancedConfig, KeyCredential:
		return true
	}
	return false
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

func addQuery(q url.Values, name string, value any) {
	if list, ok := value.([]any); ok {
		for _, item := range list {
			if !isBlank(item) {
				q.Add(name, stringValue(item))
			}
		}
		return
	}
	q.Add(name, stringValue(value))
}

// stringValue renders a JSON-decoded value for a path or query string.
func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
