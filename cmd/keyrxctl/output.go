package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// palette holds ANSI escape codes; all fields are empty when stdout is not
// a terminal or NO_COLOR is set.
type palette struct {
	Reset, Bold, Dim, Red, Green, Yellow, Cyan string
}

var c = newPalette()

func newPalette() palette {
	if os.Getenv("NO_COLOR") != "" {
		return palette{}
	}
	if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Red:    "\033[31m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Cyan:   "\033[36m",
	}
}

func printSection(title string) {
	fmt.Printf("\n%s%s%s\n", c.Bold, title, c.Reset)
}

func printField(name string, value any) {
	fmt.Printf("  %s%-14s%s %v\n", c.Dim, name, c.Reset, value)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%sError:%s %s\n", c.Bold, c.Red, c.Reset, msg)
}

func printWarning(msg string) {
	fmt.Fprintf(os.Stderr, "%sWarning:%s %s\n", c.Yellow, c.Reset, msg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
