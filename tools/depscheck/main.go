package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePath = "stake-arena/server"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// layerRule forbids packages under From from importing anything under one of
// the Forbidden prefixes.
type layerRule struct {
	From      string
	Forbidden []string
}

var rules = []layerRule{
	// The room and its math never reach outward.
	{From: "/internal/distribute", Forbidden: []string{"/internal/world", "/internal/sim", "/internal/settlement", "/internal/session", "/internal/net", "/internal/app"}},
	{From: "/internal/collision", Forbidden: []string{"/internal/sim", "/internal/settlement", "/internal/session", "/internal/net", "/internal/app"}},
	{From: "/internal/world", Forbidden: []string{"/internal/sim", "/internal/settlement", "/internal/session", "/internal/ledger", "/internal/pricing", "/internal/net", "/internal/app"}},
	{From: "/internal/tokens", Forbidden: []string{"/internal/"}},
	// Settlement and storage stay transport-agnostic.
	{From: "/internal/settlement", Forbidden: []string{"/internal/sim", "/internal/net", "/internal/app"}},
	{From: "/internal/session", Forbidden: []string{"/internal/settlement", "/internal/world", "/internal/sim", "/internal/net", "/internal/app"}},
	{From: "/internal/ledger", Forbidden: []string{"/internal/settlement", "/internal/session", "/internal/world", "/internal/net", "/internal/app"}},
	{From: "/internal/sim", Forbidden: []string{"/internal/net", "/internal/app"}},
	{From: "/internal/net", Forbidden: []string{"/internal/app"}},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	violations, err := check(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func check(r io.Reader) ([]string, error) {
	decoder := json.NewDecoder(r)
	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode package info: %w", err)
		}
		for _, rule := range rules {
			if !under(pkg.ImportPath, modulePath+rule.From) {
				continue
			}
			for _, imp := range pkg.Imports {
				for _, forbidden := range rule.Forbidden {
					target := modulePath + forbidden
					if under(imp, strings.TrimSuffix(target, "/")) && !under(imp, modulePath+rule.From) {
						violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
					}
				}
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}

func under(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
