package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "text", "output format: text, yaml or json")
}

// structuredOutput writes v as yaml or json when the output flag asks for
// it. It reports false for text output, which the command renders itself.
func structuredOutput(cmd *cobra.Command, v any) (bool, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "", "text":
		return false, nil
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	default:
		return true, fmt.Errorf("unknown output format %q (must be text, yaml or json)", format)
	}
}
