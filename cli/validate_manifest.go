package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolrelay/tool"
)

const (
	fetchTimeout     = 30 * time.Second
	maxDocumentBytes = 10 << 20
)

// NewValidateManifestCmd creates the "validate-manifest" subcommand.
func NewValidateManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-manifest <file|url>",
		Short: "Check a tool server manifest without registering it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidateManifest,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("tools", false, "Also fetch the OpenAPI document and list the tools it maps to")
	return cmd
}

type manifestReport struct {
	Source    string   `json:"source"`
	Valid     bool     `json:"valid"`
	Namespace string   `json:"namespace,omitempty"`
	Name      string   `json:"display_name,omitempty"`
	SpecURL   string   `json:"spec_url,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Error     string   `json:"error,omitempty"`
	Field     string   `json:"field,omitempty"`
}

func runValidateManifest(cmd *cobra.Command, args []string) error {
	source := args[0]
	format, _ := cmd.Flags().GetString("format")
	listTools, _ := cmd.Flags().GetBool("tools")
	ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
	defer cancel()

	data, err := readSource(ctx, source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", source)
		}
		return exitError(exitRuntime, "reading %s: %v", source, err)
	}

	report := manifestReport{Source: source}
	m, err := tool.ParseManifest(data)
	if err == nil {
		err = m.Validate()
	}
	if err == nil && listTools {
		report.SpecURL, report.Tools, err = manifestTools(ctx, m, source)
	}
	report.Namespace = m.Namespace
	report.Name = m.DisplayName
	if err != nil {
		report.Error = err.Error()
		var verr *tool.ValidationError
		if errors.As(err, &verr) {
			report.Field = verr.Field
		}
	} else {
		report.Valid = true
	}

	printManifestReport(cmd.OutOrStdout(), report, format)
	if !report.Valid {
		return exitError(exitValidation, "manifest is invalid")
	}
	return nil
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func readSource(ctx context.Context, source string) ([]byte, error) {
	if !isURL(source) {
		// #nosec G304 -- path supplied by the operator on the command line.
		return os.ReadFile(source)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
}

func manifestTools(ctx context.Context, m tool.Manifest, source string) (string, []string, error) {
	manifestURL := ""
	if isURL(source) {
		manifestURL = source
	}
	specURL, _, err := m.ResolveSpecURL(manifestURL)
	if err != nil {
		return "", nil, err
	}
	data, err := readSource(ctx, specURL)
	if err != nil {
		return specURL, nil, fmt.Errorf("fetching %s: %w", specURL, err)
	}
	defs, err := tool.ParseOpenAPI(m.Namespace, data)
	if err != nil {
		return specURL, nil, err
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return specURL, names, nil
}

func printManifestReport(w io.Writer, r manifestReport, format string) {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
		return
	}
	if !r.Valid {
		fmt.Fprintf(w, "INVALID %s: %s\n", r.Source, r.Error)
		return
	}
	fmt.Fprintf(w, "OK %s: namespace %q (%s)\n", r.Source, r.Namespace, r.Name)
	if r.SpecURL != "" {
		fmt.Fprintf(w, "  api: %s\n", r.SpecURL)
	}
	for _, name := range r.Tools {
		fmt.Fprintf(w, "  tool: %s\n", name)
	}
}
