package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	fmtCheck bool
	fmtWrite bool
)

var fmtCmd = &cobra.Command{
	Use:   "fmt [paths...]",
	Short: "Format topology files",
	Long: `Formats .hcl, .yaml and .yml topology files to a canonical style.

By default, formats all topology files under the project directory.
Use --check to verify formatting without making changes.

Formatting rules:
  - HCL follows the hclwrite canonical layout
  - YAML is re-indented with 2 spaces; comments are kept`,
	RunE: runFmt,
}

func init() {
	fmtCmd.Flags().BoolVar(&fmtCheck, "check", false, "Check formatting without making changes (exit 1 if not formatted)")
	fmtCmd.Flags().BoolVar(&fmtWrite, "write", true, "Write formatted output back to files")
}

func runFmt(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	paths := args
	if len(paths) == 0 {
		dir, err := projectDir()
		if err != nil {
			return err
		}
		paths = []string{dir}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			found, err := findTopologyFiles(p)
			if err != nil {
				return err
			}
			files = append(files, found...)
		} else {
			files = append(files, p)
		}
	}

	if len(files) == 0 {
		fmt.Fprintln(out, "No topology files found.")
		return nil
	}

	unformatted := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		formatted, err := formatTopology(file, data)
		if err != nil {
			return err
		}
		if bytes.Equal(data, formatted) {
			continue
		}

		unformatted++
		if fmtCheck {
			fmt.Fprintf(out, "%s: not formatted\n", file)
		} else if fmtWrite {
			if err := os.WriteFile(file, formatted, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", file, err)
			}
			fmt.Fprintf(out, "%s: formatted\n", file)
		}
	}

	if fmtCheck && unformatted > 0 {
		return &ExitError{Code: 1, Err: fmt.Errorf("%d file(s) not formatted", unformatted)}
	}
	if unformatted == 0 {
		fmt.Fprintf(out, "All %d file(s) are properly formatted.\n", len(files))
	} else if !fmtCheck {
		fmt.Fprintf(out, "Formatted %d file(s).\n", unformatted)
	}
	return nil
}

func findTopologyFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".hcl", ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// formatTopology returns the canonical form of a topology document.
func formatTopology(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		if _, diags := hclwrite.ParseConfig(data, path, hcl.InitialPos); diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %s", path, diags.Error())
		}
		return hclwrite.Format(data), nil
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if doc.Kind == 0 {
			return data, nil
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return nil, fmt.Errorf("failed to format %s: %w", path, err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%s: only .hcl, .yaml and .yml files can be formatted", path)
	}
}
