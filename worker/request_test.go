package worker

import (
	"errors"
	"net/url"
	"reflect"
	"testing"

	"github.com/petal-labs/toolrelay/tool"
)

func TestParseToolName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ToolRef
		wantErr bool
	}{
		{name: "simple", input: "ns__GET__/items/{id}", want: ToolRef{Namespace: "ns", Method: "GET", Path: "/items/{id}"}},
		{name: "lowercase method", input: "ns__post__/items", want: ToolRef{Namespace: "ns", Method: "POST", Path: "/items"}},
		{name: "path keeps separator", input: "ns__GET__/a__b", want: ToolRef{Namespace: "ns", Method: "GET", Path: "/a__b"}},
		{name: "missing path", input: "ns__GET", wantErr: true},
		{name: "empty namespace", input: "__GET__/x", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseToolName(tt.input)
			if tt.wantErr {
				var verr *tool.ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("ParseToolName(%q) error = %v, want ValidationError", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseToolName(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("ParseToolName(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
			if got.Name() != tool.ToolName(tt.want.Namespace, tt.want.Method, tt.want.Path) {
				t.Fatalf("Name() = %q", got.Name())
			}
		})
	}
}

func TestBuildRequestPartitionsByLocation(t *testing.T) {
	input := map[string]any{
		KeyToolName:   "ns__GET__/items/{id}",
		"PATH#id":     "42",
		"QUERY#limit": "10",
		"BODY#name":   "x",
	}
	got, err := BuildRequest("GET", "/items/{id}", input)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	want := RequestDescriptor{
		Method: "GET",
		Path:   "/items/42",
		Query:  url.Values{"limit": {"10"}},
		Body:   map[string]any{"name": "x"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildRequest() = %+v, want %+v", got, want)
	}
}

func TestBuildRequestBareKeys(t *testing.T) {
	got, err := BuildRequest("post", "/users/{userId}/notes", map[string]any{
		"userId":      "u-1",
		"title":       "hello",
		"query#lower": "not a location",
		"HEADER#x":    "unknown location",
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if got.Method != "POST" {
		t.Fatalf("Method = %q, want POST", got.Method)
	}
	if got.Path != "/users/u-1/notes" {
		t.Fatalf("Path = %q", got.Path)
	}
	wantBody := map[string]any{
		"userId":      "u-1",
		"title":       "hello",
		"query#lower": "not a location",
		"HEADER#x":    "unknown location",
	}
	if !reflect.DeepEqual(got.Body, wantBody) {
		t.Fatalf("Body = %v, want %v", got.Body, wantBody)
	}
	if len(got.Query) != 0 {
		t.Fatalf("Query = %v, want empty", got.Query)
	}
}

func TestBuildRequestSkipsReservedAndBlank(t *testing.T) {
	got, err := BuildRequest("GET", "/search", map[string]any{
		KeyToolName:       "ns__GET__/search",
		KeyContext:        map[string]any{"teamId": "t"},
		KeyAdvancedConfig: map[string]any{"outputAs": "json"},
		KeyCredential:     map[string]any{"id": "c"},
		"QUERY#q":         "",
		"QUERY#page":      nil,
		"BODY#note":       "",
		"QUERY#size":      float64(20),
		"QUERY#exact":     true,
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if want := (url.Values{"size": {"20"}, "exact": {"true"}}); !reflect.DeepEqual(got.Query, want) {
		t.Fatalf("Query = %v, want %v", got.Query, want)
	}
	if len(got.Body) != 0 {
		t.Fatalf("Body = %v, want empty", got.Body)
	}
}

func TestBuildRequestQueryArraysRepeat(t *testing.T) {
	got, err := BuildRequest("GET", "/pets", map[string]any{
		"QUERY#tag": []any{"a", "", "b"},
	})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if enc := got.Query.Encode(); enc != "tag=a&tag=b" {
		t.Fatalf("Query.Encode() = %q", enc)
	}
}

func TestBuildRequestSubstitutesPathValuesVerbatim(t *testing.T) {
	got, err := BuildRequest("GET", "/files/{key}", map[string]any{"PATH#key": "dir/a b.txt"})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if got.Path != "/files/dir/a b.txt" {
		t.Fatalf("Path = %q, want /files/dir/a b.txt", got.Path)
	}
}

func TestBuildRequestUnresolvedPlaceholder(t *testing.T) {
	_, err := BuildRequest("GET", "/items/{id}", map[string]any{"QUERY#limit": "1"})
	var verr *tool.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("BuildRequest() error = %v, want ValidationError", err)
	}
	if verr.Field != "PATH" {
		t.Fatalf("Field = %q, want PATH", verr.Field)
	}
}

func TestParseTaskInput(t *testing.T) {
	in, err := ParseTaskInput(map[string]any{
		KeyToolName: "ns__GET__/x",
		KeyContext:  map[string]any{"appId": "app", "userId": "u", "teamId": "t"},
		KeyCredential: map[string]any{
			"id": "cred-1",
		},
	})
	if err != nil {
		t.Fatalf("ParseTaskInput() error = %v", err)
	}
	if in.ToolName != "ns__GET__/x" {
		t.Fatalf("ToolName = %q", in.ToolName)
	}
	if in.Context != (TaskContext{AppID: "app", UserID: "u", TeamID: "t"}) {
		t.Fatalf("Context = %+v", in.Context)
	}
	if in.Advanced.OutputAs != OutputJSON {
		t.Fatalf("OutputAs = %q, want json default", in.Advanced.OutputAs)
	}
	if in.Credential == nil || in.Credential.ID != "cred-1" {
		t.Fatalf("Credential = %+v", in.Credential)
	}

	if _, err := ParseTaskInput(map[string]any{"QUERY#x": "1"}); err == nil {
		t.Fatal("ParseTaskInput() without tool name error = nil")
	}
	if _, err := ParseTaskInput(map[string]any{KeyToolName: "ns__GET__/x", KeyContext: "nope"}); err == nil {
		t.Fatal("ParseTaskInput() with malformed context error = nil")
	}

	in, err = ParseTaskInput(map[string]any{KeyToolName: "ns__GET__/x", KeyCredential: map[string]any{}})
	if err != nil {
		t.Fatalf("ParseTaskInput() error = %v", err)
	}
	if in.Credential != nil {
		t.Fatalf("Credential = %+v, want nil for empty id", in.Credential)
	}
}
