// Copyright 2023 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package analyzer

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"golang.org/x/tools/go/packages"
)

var (
	standardLibraryPackagesOnce sync.Once
	standardLibraryPackagesMap  map[string]struct{}
	standardLibraryPackagesErr  error
)

// LoadConfig specifies the build tags, GOOS value, and GOARCH value to use
// when loading packages.  These will be used to determine when a file's build
// constraint is satisfied.  See
// https://pkg.go.dev/cmd/go#hdr-Build_constraints for more information.
type LoadConfig struct {
	BuildTags string
	GOOS      string
	GOARCH    string
	// Dir is the directory in which to run the build system.  Empty means the
	// current directory.
	Dir string
}

// PackagesLoadModeNeeded is a packages.LoadMode that has all the bits set for
// the information that this package uses to build SSA.  Users should load
// packages for analysis using this LoadMode (or a superset.)
const PackagesLoadModeNeeded packages.LoadMode = packages.NeedName |
	packages.NeedFiles |
	packages.NeedCompiledGoFiles |
	packages.NeedImports |
	packages.NeedDeps |
	packages.NeedTypes |
	packages.NeedSyntax |
	packages.NeedTypesInfo |
	packages.NeedTypesSizes |
	packages.NeedModule

// LoadPackages loads the named packages and their dependencies.  Packages
// with errors are reported as an error.
func LoadPackages(packageNames []string, lcfg LoadConfig) ([]*packages.Package, error) {
	cfg := &packages.Config{Mode: PackagesLoadModeNeeded, Dir: lcfg.Dir}
	if lcfg.BuildTags != "" {
		cfg.BuildFlags = []string{"-tags=" + lcfg.BuildTags}
	}
	if lcfg.GOOS != "" || lcfg.GOARCH != "" {
		env := slices.Clone(os.Environ())
		if lcfg.GOOS != "" {
			env = append(env, "GOOS="+lcfg.GOOS)
		}
		if lcfg.GOARCH != "" {
			env = append(env, "GOARCH="+lcfg.GOARCH)
		}
		cfg.Env = env
	}
	pkgs, err := packages.Load(cfg, packageNames...)
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}
	if n := countErrors(pkgs); n > 0 {
		return pkgs, fmt.Errorf("loading packages: %d errors", n)
	}
	return pkgs, nil
}

func countErrors(pkgs []*packages.Package) int {
	n := 0
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		n += len(p.Errors)
	})
	return n
}

// standardLibraryPackages returns the import paths of the standard library.
func standardLibraryPackages() (map[string]struct{}, error) {
	standardLibraryPackagesOnce.Do(func() {
		pkgs, err := packages.Load(nil, "std")
		if err != nil {
			standardLibraryPackagesErr = fmt.Errorf("listing standard library: %w", err)
			return
		}
		standardLibraryPackagesMap = make(map[string]struct{})
		for _, p := range pkgs {
			standardLibraryPackagesMap[p.PkgPath] = struct{}{}
		}
	})
	return standardLibraryPackagesMap, standardLibraryPackagesErr
}
