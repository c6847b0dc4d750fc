package main

import (
	"encoding/json"
	"io"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeLine writes v as a single line of JSON.
func writeLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
