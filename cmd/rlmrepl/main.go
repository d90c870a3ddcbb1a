// Command rlmrepl runs recursive language model REPL sessions.
package main

import "github.com/rand/rlmrepl/internal/cmd"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd.Execute(version)
}
