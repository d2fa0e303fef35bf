package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// writeResult encodes v as JSON or YAML to the configured destination.
func writeResult(out outputFlags, v interface{}) error {
	w := io.Writer(os.Stdout)
	if out.out != "" {
		f, err := os.Create(out.out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	switch out.format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return encodeYAML(w, v)
	default:
		return fmt.Errorf("unknown output format %q", out.format)
	}
}

// encodeYAML renders v through its JSON form so that YAML keys and field
// order match the JSON output.
func encodeYAML(w io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	blockStyle(&doc)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle clears the flow and quoting styles carried over from JSON.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
