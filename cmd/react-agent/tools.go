package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// runTools handles the "tools" subcommand: it lists the tools the agent
// would offer the model under the current config.
func runTools(stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	defs := a.registry.List()
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	if len(defs) == 0 {
		fmt.Fprintln(stdout, "No tools enabled.")
		return nil
	}
	for _, d := range defs {
		summary, _, _ := strings.Cut(d.Description, "\n")
		fmt.Fprintf(stdout, "%-20s %s\n", d.Name, summary)
	}
	return nil
}
