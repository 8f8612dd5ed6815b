package config

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// Test seams for terminal interaction.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// promptMasterSecret asks the operator for the master secret when none was
// configured and stdin is an interactive terminal. Without a terminal the
// secret stays empty and startup fails later with a configuration error
// instead of hanging on a read.
func promptMasterSecret(config *Config) {
	if config.MasterSecret != "" {
		return
	}
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		return
	}

	fmt.Fprint(os.Stderr, "Master secret: ")
	secret, err := readPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return
	}
	config.MasterSecret = string(secret)
}
