// Package synth implements the turbolift Project Synthesizer: given a
// FunctionDescriptor and its sanitized source context, it derives a
// stand-alone, buildable service project under the turbolift cache
// directory.
package synth

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"

	"github.com/DominicBurkart/turbolift"
	"github.com/DominicBurkart/turbolift/extract"
	"github.com/DominicBurkart/turbolift/service"
)

// localDepsDirName is the well-known directory, relative to a derived
// project's root, where local module dependencies are symlinked or
// copied. It is spec.md's ".local_deps".
const localDepsDirName = ".local_deps"

// buildArtifactDir is this module's analogue of Cargo's "target": the
// directory a derived project's own `go build` output lives in, excluded
// from both the initial project copy and the tar packager.
const buildArtifactDir = "bin"

// pinnedDeps are the dependencies every derived project's go.mod requires
// beyond whatever the caller project already required: an HTTP router for
// the generated handler, UUID for request tracing, and structured logging
// — the Go-native set standing in for spec.md's "HTTP-server, JSON, UUID,
// and async-runtime dependencies" (Go needs no async-runtime dependency;
// see SPEC_FULL.md §9).
var pinnedDeps = map[string]string{
	"github.com/gorilla/mux": "v1.8.1",
	"github.com/google/uuid": "v1.6.0",
	"github.com/rs/zerolog":  "v1.33.0",
}

// Options configures one synthesis run.
type Options struct {
	// CallerRoot is the root directory of the project declaring the
	// distributed function.
	CallerRoot string

	// CacheDir is the turbolift cache root, normally
	// filepath.Join(CallerRoot, turbolift.CacheDirName).
	CacheDir string

	// Format, when true, runs gofmt over the derived project. A formatting
	// failure is logged as a warning, never fatal, per spec.md §4.2 step 4.
	Format bool

	// Check, when true, runs `go vet` over the derived project. A check
	// failure is fatal and returned as a BuildError, per spec.md §4.2 step 4.
	Check bool

	// Prebuild, when true, runs `go build` over the derived project so a
	// same-architecture LocalQueue worker can skip recompilation at
	// declare time, per spec.md §4.2 step 5.
	Prebuild bool

	// Warnf receives non-fatal diagnostics (e.g. a gofmt failure).
	Warnf func(format string, args ...any)

	// fs is the filesystem used for project-tree copying. Defaults to the
	// OS filesystem when nil; the other synthesis steps always use the OS
	// filesystem directly.
	fs afero.Fs
}

func (o *Options) filesystem() afero.Fs {
	if o.fs == nil {
		return afero.NewOsFs()
	}
	return o.fs
}

func (o *Options) warnf(format string, args ...any) {
	if o.Warnf != nil {
		o.Warnf(format, args...)
	}
}

// DerivedProject is the synthesized service project for one function.
type DerivedProject struct {
	Dir          string
	ManifestPath string
	LocalDepsDir string
}

// Synthesize derives a buildable service project for res under
// opts.CacheDir, implementing spec.md §4.2 steps 1–5.
func Synthesize(res *extract.Result, opts Options) (*DerivedProject, error) {
	if err := extract.Validate(res.Descriptor); err != nil {
		return nil, &turbolift.BuildError{Function: res.Descriptor.Name, Cause: err}
	}

	fn := res.Descriptor.Name
	derivedDir := filepath.Join(opts.CacheDir, fn)

	if err := copyProjectTree(opts.filesystem(), opts.CallerRoot, derivedDir, opts.CacheDir); err != nil {
		return nil, &turbolift.BuildError{Function: fn, Cause: errors.Wrap(err, "copying caller project")}
	}

	mainSrc, err := service.RenderMain(res)
	if err != nil {
		return nil, &turbolift.BuildError{Function: fn, Cause: errors.Wrap(err, "rendering generated main")}
	}
	if err := os.WriteFile(filepath.Join(derivedDir, "main.go"), mainSrc, 0o644); err != nil {
		return nil, &turbolift.BuildError{Function: fn, Cause: errors.Wrap(err, "writing generated main.go")}
	}

	manifestPath := filepath.Join(derivedDir, "go.mod")
	localDepsDir := filepath.Join(derivedDir, localDepsDirName)
	if err := rewriteManifest(derivedDir, manifestPath, localDepsDir, opts.CallerRoot, res.Descriptor.ManifestName()); err != nil {
		return nil, &turbolift.BuildError{Function: fn, Cause: err}
	}

	// go.sum has no checksums yet for the requires rewriteManifest just
	// added; every derived project is eventually built somewhere (a
	// LocalQueue worker at declare time, or inside the Kubernetes backend's
	// Docker build), so go.sum must be made consistent unconditionally here
	// rather than only when Check/Prebuild are requested.
	if err := runGoModTidy(derivedDir); err != nil {
		return nil, &turbolift.BuildError{Function: fn, Cause: errors.Wrap(err, "go mod tidy failed")}
	}

	if opts.Format {
		if err := runGofmt(derivedDir); err != nil {
			opts.warnf("gofmt failed for %s: %v", fn, err)
		}
	}
	if opts.Check {
		if err := runGoVet(derivedDir); err != nil {
			return nil, &turbolift.BuildError{Function: fn, Cause: errors.Wrap(err, "go vet failed")}
		}
	}
	if opts.Prebuild {
		if err := runGoBuild(derivedDir); err != nil {
			return nil, &turbolift.BuildError{Function: fn, Cause: errors.Wrap(err, "prebuild failed")}
		}
	}

	return &DerivedProject{Dir: derivedDir, ManifestPath: manifestPath, LocalDepsDir: localDepsDir}, nil
}

// copyProjectTree copies every entry from src to dst except cacheDir and
// buildArtifactDir, per spec.md §4.2 step 1.
func copyProjectTree(fs afero.Fs, src, dst, cacheDir string) error {
	if err := fs.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := afero.ReadDir(fs, src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		if srcPath == cacheDir || entry.Name() == buildArtifactDir || entry.Name() == ".git" {
			continue
		}
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyProjectTree(fs, srcPath, dstPath, cacheDir); err != nil {
				return err
			}
			continue
		}
		data, err := afero.ReadFile(fs, srcPath)
		if err != nil {
			return err
		}
		if err := afero.WriteFile(fs, dstPath, data, entry.Mode()); err != nil {
			return err
		}
	}
	return nil
}

// rewriteManifest parses the copied go.mod, renames the module, resolves
// every local `replace` directive into the local-deps cache, and adds the
// pinned dependencies. It implements spec.md §4.2 step 3.
func rewriteManifest(derivedDir, manifestPath, localDepsDir, originalRoot, moduleName string) error {
	raw, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		raw = []byte("module placeholder\n\ngo 1.22\n")
	} else if err != nil {
		return errors.Wrap(err, "reading derived go.mod")
	}

	mf, err := modfile.Parse(manifestPath, raw, nil)
	if err != nil {
		return errors.Wrap(err, "parsing derived go.mod")
	}

	if err := mf.AddModuleStmt(moduleName); err != nil {
		return errors.Wrap(err, "renaming derived module")
	}

	if err := os.MkdirAll(localDepsDir, 0o755); err != nil {
		return errors.Wrap(err, "creating local deps cache")
	}

	completed := map[string]string{}
	replaces := append([]*modfile.Replace{}, mf.Replace...)
	for _, rep := range replaces {
		if !isLocalPath(rep.New.Path) {
			continue // version-pinned replace, not a path dependency.
		}
		target := rep.New.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(originalRoot, target)
		}
		depCanonical, err := filepath.Abs(target)
		if err != nil {
			return errors.Wrapf(err, "resolving local dependency %s", rep.Old.Path)
		}
		depCanonical = filepath.Clean(depCanonical)
		depName := filepath.Base(depCanonical)

		if existing, ok := completed[depName]; ok {
			return &turbolift.ConfigurationError{Reason: fmt.Sprintf(
				"two local dependencies share the leaf name %q (%s and %s); rename one of the directories", depName, existing, depCanonical)}
		}
		completed[depName] = depCanonical

		cacheTarget := filepath.Join(localDepsDir, depName)
		if err := placeLocalDep(depCanonical, cacheTarget, derivedDir); err != nil {
			return err
		}

		relTarget := filepath.Join(".", localDepsDirName, depName)
		if err := mf.DropReplace(rep.Old.Path, rep.Old.Version); err != nil {
			return err
		}
		if err := mf.AddReplace(rep.Old.Path, rep.Old.Version, relTarget, ""); err != nil {
			return errors.Wrapf(err, "re-pointing dependency %s", rep.Old.Path)
		}
	}

	for path, version := range pinnedDeps {
		if err := mf.AddRequire(path, version); err != nil {
			return errors.Wrapf(err, "adding pinned dependency %s", path)
		}
	}

	mf.SetRequire(normalizeRequires(mf.Require))
	mf.Cleanup()

	out, err := mf.Format()
	if err != nil {
		return errors.Wrap(err, "formatting derived go.mod")
	}
	return os.WriteFile(manifestPath, out, 0o644)
}

// normalizeRequires de-duplicates require directives by path, keeping the
// highest version seen. This is the Go-native rendering of spec.md's
// "normalize all short-form dependencies to long-form" — Go's module
// format has no simple/detailed distinction, so the corresponding
// normalization is ensuring each module path appears with exactly one,
// explicit version.
func normalizeRequires(reqs []*modfile.Require) []*modfile.Require {
	byPath := map[string]*modfile.Require{}
	for _, r := range reqs {
		if existing, ok := byPath[r.Mod.Path]; !ok || semver.Compare(r.Mod.Version, existing.Mod.Version) > 0 {
			byPath[r.Mod.Path] = r
		}
	}
	out := make([]*modfile.Require, 0, len(byPath))
	for _, r := range byPath {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mod.Path < out[j].Mod.Path })
	return out
}

func isLocalPath(p string) bool {
	return filepath.IsAbs(p) || p == "." || p == ".." ||
		(len(p) > 1 && (p[:2] == "./" || p[:3] == "../"))
}

// placeLocalDep ensures cacheTarget resolves to depCanonical, implementing
// the symlink-vs-copy and no-op/stale-entry tie-breaks of spec.md §4.2.
func placeLocalDep(depCanonical, cacheTarget, derivedDir string) error {
	if info, err := os.Lstat(cacheTarget); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if linkTarget, err := filepath.EvalSymlinks(cacheTarget); err == nil && linkTarget == depCanonical {
				return nil // already correct; no-op per spec.md.
			}
		} else if resolved, err := filepath.Abs(cacheTarget); err == nil && resolved == depCanonical {
			return nil
		}
		if err := os.RemoveAll(cacheTarget); err != nil {
			return errors.Wrapf(err, "removing stale local dependency cache entry %s", cacheTarget)
		}
	}

	isAncestor, err := isAncestorOf(depCanonical, derivedDir)
	if err != nil {
		return err
	}
	if isAncestor {
		// Symlinking here would create a cycle the packager's directory
		// walk cannot terminate; fall back to a recursive copy excluding
		// the cache and build-artifact directories, per spec.md §4.2 and
		// §9 "Symlink-vs-copy dependency cache".
		return copyExcluding(depCanonical, cacheTarget, map[string]bool{
			turbolift.CacheDirName: true,
			buildArtifactDir:       true,
		})
	}
	return os.Symlink(depCanonical, cacheTarget)
}

// isAncestorOf reports whether candidate is an ancestor directory of path.
func isAncestorOf(candidate, path string) (bool, error) {
	rel, err := filepath.Rel(candidate, path)
	if err != nil {
		return false, err
	}
	return rel != ".." && !hasDotDotPrefix(rel), nil
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[:2] == ".."
}

func copyExcluding(src, dst string, excludeNames map[string]bool) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if excludeNames[e.Name()] {
			continue
		}
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyExcluding(srcPath, dstPath, excludeNames); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := os.WriteFile(dstPath, data, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}

// runGoModTidy regenerates go.sum for the rewritten manifest: rewriteManifest
// adds requires via mf.AddRequire for modules the copied go.sum carries no
// checksums for, so every derived project needs a tidy pass before its
// go.sum is consistent with its go.mod, per spec.md §4.2 step 4.
func runGoModTidy(dir string) error {
	cmd := exec.Command("go", "mod", "tidy")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "go mod tidy: %s", out)
	}
	return nil
}

func runGofmt(dir string) error {
	cmd := exec.Command("gofmt", "-w", ".")
	cmd.Dir = dir
	return cmd.Run()
}

func runGoVet(dir string) error {
	cmd := exec.Command("go", "vet", "./...")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "go vet: %s", out)
	}
	return nil
}

func runGoBuild(dir string) error {
	cmd := exec.Command("go", "build", "-o", filepath.Join(dir, buildArtifactDir, filepath.Base(dir)), ".")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "go build: %s", out)
	}
	return nil
}
