package config

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// PromptDatabaseURL reads a database connection string from stdin without
// echoing it, for the CLI's --db prompt (spec.md §6: "when --db is
// omitted and stdin is a terminal, the CLI may prompt for a connection
// string without echoing input").
func PromptDatabaseURL() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; pass --db explicitly")
	}
	fmt.Fprint(os.Stderr, "database connection string: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading connection string: %w", err)
	}
	return string(b), nil
}
