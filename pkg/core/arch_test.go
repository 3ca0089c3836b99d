package core_test

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const modulePath = "github.com/leapstack-labs/econmix/"

// importsOf returns the non-test imports of the package in dir.
func importsOf(t *testing.T, dir string) map[string][]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	fset := token.NewFileSet()
	out := make(map[string][]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", name, err)
		}
		for _, imp := range f.Imports {
			out[name] = append(out[name], strings.Trim(imp.Path.Value, `"`))
		}
	}
	return out
}

// TestCoreImportsOnlyStdlib keeps pkg/core a leaf: every other package
// depends on it.
func TestCoreImportsOnlyStdlib(t *testing.T) {
	for file, imports := range importsOf(t, ".") {
		for _, imp := range imports {
			if strings.Contains(imp, ".") {
				t.Errorf("%s imports %s; pkg/core must only use the standard library", file, imp)
			}
		}
	}
}

// TestModelPackagesStayEngineFree checks that repair, formula compilation
// and effects assembly never reach the engine, warehouse or CLI layers.
func TestModelPackagesStayEngineFree(t *testing.T) {
	allowed := map[string][]string{
		"dataset": {"pkg/core"},
		"spec":    {"pkg/core"},
		"formula": {"pkg/core", "pkg/spec"},
		"effects": {"pkg/core", "pkg/dataset"},
	}
	for pkg, deps := range allowed {
		t.Run(pkg, func(t *testing.T) {
			for file, imports := range importsOf(t, filepath.Join("..", pkg)) {
				for _, imp := range imports {
					rel, ok := strings.CutPrefix(imp, modulePath)
					if ok && !slices.Contains(deps, rel) {
						t.Errorf("%s/%s imports %s", pkg, file, imp)
					}
				}
			}
		})
	}
}
