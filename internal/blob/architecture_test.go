package blob

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

type importRule struct {
	forbidden string
	// allowed lists package path prefixes that may import forbidden.
	allowed []string
}

var blobLayering = []importRule{
	// backends are reached through the Store interface of this package
	{forbidden: "warehousecore/internal/infra/blob", allowed: []string{"warehousecore/internal/blob", "warehousecore/internal/infra/blob"}},
	{forbidden: "github.com/aws/aws-sdk-go-v2", allowed: []string{"warehousecore/internal/infra/blob/s3"}},
}

func TestBlobLayering(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "warehousecore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		for _, rule := range blobLayering {
			if hasAnyPrefix(pkg.PkgPath, rule.allowed) {
				continue
			}
			for importPath := range pkg.Imports {
				if hasAnyPrefix(importPath, []string{rule.forbidden}) {
					seen[pkg.PkgPath+": "+importPath] = struct{}{}
				}
			}
		}
	}
	if len(seen) == 0 {
		return
	}
	violations := make([]string, 0, len(seen))
	for v := range seen {
		violations = append(violations, v)
	}
	sort.Strings(violations)
	t.Fatalf("forbidden storage imports:\n%s", strings.Join(violations, "\n"))
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
