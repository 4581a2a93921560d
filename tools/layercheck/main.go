// Package main implements an import layering linter.
//
// The protocol packages (pkg/foodblock, pkg/fb, pkg/envelope, pkg/identity)
// must stay free of storage and transport so they can be embedded anywhere;
// the storage layer must not reach up into the HTTP surface. This scans
// non-test Go files and fails on any import that crosses a boundary.
//
// Usage:
//
//	go run tools/layercheck/main.go [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

const modulePath = "github.com/FoodXDevelopment/FoodBlock-sub002"

// rule forbids import-path fragments for every non-test file under dir.
type rule struct {
	dir    string
	forbid []string
}

var internalPkgs = []string{
	"/pkg/store", "/pkg/api", "/pkg/events", "/pkg/federation", "/pkg/agent",
	"/pkg/trust", "/pkg/schema", "/pkg/observability", "/pkg/config",
}

var rules = []rule{
	// Protocol core: stdlib plus the canonicalization deps only.
	{dir: "pkg/foodblock", forbid: append([]string{"database/sql", "net/http"}, internalPkgs...)},
	{dir: "pkg/fb", forbid: append([]string{"database/sql", "net/http"}, internalPkgs...)},
	{dir: "pkg/envelope", forbid: append([]string{"database/sql", "net/http"}, internalPkgs...)},
	{dir: "pkg/identity", forbid: append([]string{"database/sql", "net/http"}, internalPkgs...)},

	// Storage stays below the services and the HTTP surface.
	{dir: "pkg/store", forbid: []string{"/pkg/api", "/pkg/events", "/pkg/federation", "/pkg/agent", "/pkg/trust", "/pkg/schema", "/pkg/observability", "net/http"}},

	// Services must not reach up into the HTTP surface, and must not import
	// observability directly; telemetry arrives through their Instruments
	// interfaces.
	{dir: "pkg/events", forbid: []string{"/pkg/api", "/pkg/observability"}},
	{dir: "pkg/federation", forbid: []string{"/pkg/api", "/pkg/observability"}},
	{dir: "pkg/agent", forbid: []string{"/pkg/api", "/pkg/observability"}},
	{dir: "pkg/trust", forbid: []string{"/pkg/api", "/pkg/observability"}},
	{dir: "pkg/schema", forbid: []string{"/pkg/api", "/pkg/observability"}},

	// Config wires nothing; it only describes.
	{dir: "pkg/config", forbid: internalPkgs},
}

func main() {
	root := flag.String("root", ".", "project root directory")
	flag.Parse()

	fset := token.NewFileSet()
	violations := 0

	for _, ru := range rules {
		dir := filepath.Join(*root, ru.dir)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "ERROR: %s does not exist\n", dir)
			os.Exit(1)
		}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if info.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}

			f, parseErr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if parseErr != nil {
				fmt.Fprintf(os.Stderr, "WARN: parse error in %s: %v\n", path, parseErr)
				return nil
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range ru.forbid {
					if !matches(importPath, frag) {
						continue
					}
					pos := fset.Position(imp.Pos())
					rel, _ := filepath.Rel(*root, pos.Filename)
					fmt.Printf("LAYERING VIOLATION: %s:%d imports %q (forbidden under %s)\n",
						rel, pos.Line, importPath, ru.dir)
					violations++
				}
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: walk failed: %v\n", err)
			os.Exit(1)
		}
	}

	if violations > 0 {
		fmt.Printf("\n❌ %d layering violation(s) found\n", violations)
		os.Exit(1)
	}
	fmt.Println("✅ layering check passed")
}

// matches reports whether importPath trips a forbidden fragment. Fragments
// starting with "/pkg/" are module-internal and only match our own packages;
// anything else matches the import path verbatim.
func matches(importPath, frag string) bool {
	if strings.HasPrefix(frag, "/pkg/") {
		return strings.HasPrefix(importPath, modulePath+frag)
	}
	return importPath == frag
}
