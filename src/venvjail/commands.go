/*******************************************************************************
*
* Copyright 2024 The venvjail Authors
*
* This file is part of venvjail.
*
* venvjail is free software: you can redistribute it and/or modify it under the
* terms of the GNU General Public License as published by the Free Software
* Foundation, either version 3 of the License, or (at your option) any later
* version.
*
* venvjail is distributed in the hope that it will be useful, but WITHOUT ANY
* WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR
* A PARTICULAR PURPOSE. See the GNU General Public License for more details.
*
* You should have received a copy of the GNU General Public License along with
* venvjail. If not, see <http://www.gnu.org/licenses/>.
*
*******************************************************************************/

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/venvjail/venvjail/src/venvjail/common"
	"github.com/venvjail/venvjail/src/venvjail/deps"
	"github.com/venvjail/venvjail/src/venvjail/obs"
	"github.com/venvjail/venvjail/src/venvjail/patterns"
	"github.com/venvjail/venvjail/src/venvjail/relocate"
	"github.com/venvjail/venvjail/src/venvjail/repo"
	"github.com/venvjail/venvjail/src/venvjail/rpm"
	"github.com/venvjail/venvjail/src/venvjail/venv"
)

////////////////////////////////////////////////////////////////////////////////
// venvjail create

func runCreate(ctx context.Context, env *environment, args []string) error {
	fs, cf := newFlagSet(env, "create")
	var (
		repoPath, relocateTo, installRoot string
		includePath, excludePath, match   string
		collision                         string
		noGenerate, noSystemSitePackages  bool
		jobs                              int
	)
	fs.StringVarP(&repoPath, "repo", "r", "", "directory containing the RPMs (default from config)")
	fs.StringVarP(&relocateTo, "relocate", "l", "", "directory below which the venv will live (default from config)")
	fs.StringVar(&installRoot, "install-root", "", "move the relocated venv below this directory instead of rewriting it in place (default from config)")
	fs.StringVarP(&includePath, "include", "i", "", "file with patterns of packages to include (default from config)")
	fs.StringVarP(&excludePath, "exclude", "x", "", "file with patterns of packages to exclude (default from config)")
	fs.StringVar(&match, "match", "", "how patterns match package names: search, prefix or full")
	fs.StringVar(&collision, "collision", "", "what to do when packages ship the same file: last-wins or error")
	fs.BoolVar(&noGenerate, "no-generate", false, "fail instead of generating missing pattern files")
	fs.BoolVarP(&noSystemSitePackages, "no-system-site-packages", "s", false, "do not give the venv access to the global site-packages")
	fs.IntVarP(&jobs, "jobs", "j", 0, "number of files processed in parallel (default from config, or number of CPUs)")

	positional, err := env.parseFlags(fs, cf, args, "DEST_DIR")
	if err != nil {
		return err
	}
	cfg := &env.config
	override(&cfg.Repository.Path, repoPath)
	override(&cfg.Venv.Relocate, relocateTo)
	override(&cfg.Patterns.Include, includePath)
	override(&cfg.Patterns.Exclude, excludePath)
	override(&cfg.Patterns.Match, match)
	override(&cfg.Venv.Collision, collision)
	override(&cfg.Venv.InstallRoot, installRoot)
	if noGenerate {
		cfg.Patterns.Generate = false
	}
	if noSystemSitePackages {
		cfg.Venv.SystemSitePackages = false
	}
	if jobs > 0 {
		cfg.Venv.Parallelism = jobs
	}
	err = cfg.Validate("command line")
	if err != nil {
		return err
	}
	destDir, err := filepath.Abs(positional[0])
	if err != nil {
		return err
	}
	target := relocationTarget(cfg.Venv.Relocate, positional[0], destDir)

	//check all settings before doing expensive work
	mode, err := patterns.ParseMatchMode(cfg.Patterns.Match)
	if err != nil {
		return err
	}
	policy, err := venv.ParseCollisionPolicy(cfg.Venv.Collision)
	if err != nil {
		return err
	}

	idx, err := repo.Load(ctx, cfg.Repository.Path, cfg.Venv.Parallelism)
	if err != nil {
		return err
	}
	meta := localMetadata(idx, cfg.Target())
	exclude, err := loadOrGenerate(cfg.Patterns.Exclude, mode, cfg.Patterns.Generate, func() string {
		return patterns.DefaultExclude.Render()
	})
	if err != nil {
		return err
	}
	include, err := loadOrGenerate(cfg.Patterns.Include, mode, cfg.Patterns.Generate, func() string {
		return patterns.RenderInclude(meta, patterns.GenerateInclude(meta, exclude, false))
	})
	if err != nil {
		return err
	}

	result := patterns.Resolver{Include: include, Exclude: exclude}.Resolve(idx.Names())
	if result.EmptyInclude {
		common.ShowWarning("%s does not contain any patterns, the venv will not contain any packages", cfg.Patterns.Include)
	}
	for _, unused := range result.UnusedInclude {
		common.ShowWarning("%s: pattern does not match any package", unused)
	}

	assembler := &venv.Assembler{
		Creator:            venv.CommandCreator{Command: cfg.Venv.Command},
		Index:              idx,
		Collision:          policy,
		SystemSitePackages: cfg.Venv.SystemSitePackages,
	}
	report, err := assembler.Assemble(ctx, destDir, result)
	if err != nil {
		return err
	}

	relocator := relocate.NewRelocator(cfg.Venv)
	tree, err := relocator.Relocate(ctx, report.Tree, target, relocate.Options{
		InstallRoot: cfg.Venv.InstallRoot,
		InPlace:     cfg.Venv.InstallRoot == "",
	})
	if err != nil {
		//the assembled tree still refers to its staging location, so the
		//next run must not accept it as finished
		markerErr := venv.RemoveMarker(report.Tree.Root)
		if markerErr != nil {
			common.ShowWarning("cannot mark %s as incomplete: %s", report.Tree.Root, markerErr.Error())
		}
		return err
	}
	fmt.Fprintln(env.stdout, tree.Root)
	return nil
}

func override(field *string, value string) {
	if value != "" {
		*field = value
	}
}

//relocationTarget computes where the venv will finally live. A relative
//DEST_DIR is kept below the relocation prefix, an absolute one only
//contributes its last path element. Without a prefix, the venv stays where it
//was built.
func relocationTarget(prefix, arg, destDir string) string {
	switch {
	case prefix == "":
		return destDir
	case filepath.IsAbs(arg):
		return filepath.Join(prefix, filepath.Base(destDir))
	default:
		return filepath.Join(prefix, arg)
	}
}

//loadOrGenerate loads a pattern file, writing it with the output of generate
//first if it does not exist yet.
func loadOrGenerate(path string, mode patterns.MatchMode, allowGenerate bool, generate func() string) (*patterns.PatternList, error) {
	if !patterns.Exists(path) {
		if !allowGenerate {
			return nil, common.Errorf(common.ConfigurationError, path, "pattern file does not exist")
		}
		common.Log.WithField("file", path).Info("generating pattern file")
		err := patterns.WriteFile(path, generate())
		if err != nil {
			return nil, err
		}
	}
	return patterns.LoadFile(path, mode)
}

//localMetadata describes the packages of a local repository for
//patterns.GenerateInclude(). Packages without DISTURL are assumed to come
//from the target repository.
func localMetadata(idx *repo.Index, target string) patterns.ProjectMetadata {
	meta := patterns.ProjectMetadata{Target: target}
	for _, record := range idx.Records() {
		origin := record.Origin
		if origin == "" {
			origin = target
		}
		meta.Records = append(meta.Records, patterns.OriginRecord{Name: record.Name, Origin: origin})
	}
	return meta
}

////////////////////////////////////////////////////////////////////////////////
// venvjail include / exclude

func runInclude(ctx context.Context, env *environment, args []string) error {
	fs, cf := newFlagSet(env, "include")
	var source, repoPath, excludePath, outputPath string
	var all bool
	fs.StringVar(&source, "source", "obs", "where to find the packages: obs or repo")
	fs.StringVarP(&repoPath, "repo", "r", "", "directory containing the RPMs, for --source=repo (default from config)")
	fs.StringVarP(&excludePath, "exclude", "x", "", "exclude file whose packages are left out (default from config)")
	fs.BoolVarP(&all, "all", "a", false, "do not leave out excluded packages")
	fs.StringVarP(&outputPath, "output", "o", "", "write to this file instead of stdout")
	_, err := env.parseFlags(fs, cf, args)
	if err != nil {
		return err
	}
	cfg := &env.config
	override(&cfg.Repository.Path, repoPath)
	override(&cfg.Patterns.Exclude, excludePath)

	exclude, err := loadExclude(cfg)
	if err != nil {
		return err
	}

	var meta patterns.ProjectMetadata
	switch source {
	case "obs":
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		meta, err = obs.RepositoryMetadata(ctx, client, cfg.OBS.Project, cfg.OBS.Repository, cfg.OBS.Arch)
		if err != nil {
			return err
		}
	case "repo":
		idx, err := repo.Load(ctx, cfg.Repository.Path, cfg.Venv.Parallelism)
		if err != nil {
			return err
		}
		meta = localMetadata(idx, cfg.Target())
	default:
		return usageErrorf("invalid value for --source: %q", source)
	}

	content := patterns.RenderInclude(meta, patterns.GenerateInclude(meta, exclude, all))
	return env.output(outputPath, content)
}

func runExclude(ctx context.Context, env *environment, args []string) error {
	fs, cf := newFlagSet(env, "exclude")
	var outputPath string
	fs.StringVarP(&outputPath, "output", "o", "", "write to this file instead of stdout")
	_, err := env.parseFlags(fs, cf, args)
	if err != nil {
		return err
	}
	return env.output(outputPath, patterns.DefaultExclude.Render())
}

func (env *environment) output(path, content string) error {
	if path == "" {
		_, err := fmt.Fprint(env.stdout, content)
		return err
	}
	return patterns.WriteFile(path, content)
}

//loadExclude reads the configured exclude file, or falls back to the default
//exclude list if it does not exist.
func loadExclude(cfg *common.Config) (*patterns.PatternList, error) {
	mode, err := patterns.ParseMatchMode(cfg.Patterns.Match)
	if err != nil {
		return nil, err
	}
	if patterns.Exists(cfg.Patterns.Exclude) {
		return patterns.LoadFile(cfg.Patterns.Exclude, mode)
	}
	return patterns.Compile(patterns.DefaultExclude.Patterns(), "default exclude list", mode)
}

func newClient(cfg *common.Config) (*obs.Client, error) {
	timeout, err := cfg.FetchTimeout()
	if err != nil {
		return nil, common.Wrap(common.ConfigurationError, "obs.timeout", err)
	}
	return obs.NewClient(cfg.OBS, timeout), nil
}

////////////////////////////////////////////////////////////////////////////////
// venvjail binary / requires

func runBinary(ctx context.Context, env *environment, args []string) error {
	fs, cf := newFlagSet(env, "binary")
	var excludePath string
	var all bool
	fs.StringVarP(&excludePath, "exclude", "x", "", "exclude file whose packages are left out (default from config)")
	fs.BoolVarP(&all, "all", "a", false, "do not leave out excluded packages")
	positional, err := env.parseFlags(fs, cf, args, "PACKAGE")
	if err != nil {
		return err
	}
	cfg := &env.config
	override(&cfg.Patterns.Exclude, excludePath)

	exclude, err := loadExclude(cfg)
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	names, err := deps.BinaryPackages(ctx, client, cfg.OBS.Project, cfg.OBS.Repository, cfg.OBS.Arch, positional[0], exclude, all)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(env.stdout, name)
	}
	return nil
}

func runRequires(ctx context.Context, env *environment, args []string) error {
	fs, cf := newFlagSet(env, "requires")
	var repoPath, includePath, excludePath string
	var runtimeOnly, withVersions bool
	fs.StringVarP(&repoPath, "repo", "r", "", "compare against the packages of this repository instead of the declared ones")
	fs.StringVarP(&includePath, "include", "i", "", "file with patterns of packages to include (default from config)")
	fs.StringVarP(&excludePath, "exclude", "x", "", "file with patterns of packages to exclude (default from config)")
	fs.BoolVar(&runtimeOnly, "runtime-only", false, "ignore BuildRequires")
	fs.BoolVar(&withVersions, "with-versions", false, "show version constraints")
	positional, err := env.parseFlags(fs, cf, args, "PACKAGE")
	if err != nil {
		return err
	}
	cfg := &env.config
	override(&cfg.Patterns.Include, includePath)
	override(&cfg.Patterns.Exclude, excludePath)
	mode, err := patterns.ParseMatchMode(cfg.Patterns.Match)
	if err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	specText, err := obs.SpecFile(ctx, client, cfg.OBS.Project, positional[0])
	if err != nil {
		return err
	}
	decl, warnings := deps.ParseSpec(specText)
	for _, warning := range warnings {
		common.ShowWarning("%s.spec: %s", positional[0], warning.Error())
	}
	kinds := deps.RuntimeRequires | deps.BuildRequires
	if runtimeOnly {
		kinds = deps.RuntimeRequires
	}

	//the resolved set is computed over the repository if one is given, or
	//else over the declared names themselves
	resolver := patterns.Resolver{}
	if patterns.Exists(cfg.Patterns.Include) {
		resolver.Include, err = patterns.LoadFile(cfg.Patterns.Include, mode)
		if err != nil {
			return err
		}
	}
	if patterns.Exists(cfg.Patterns.Exclude) {
		resolver.Exclude, err = patterns.LoadFile(cfg.Patterns.Exclude, mode)
		if err != nil {
			return err
		}
	}
	idx := repo.FromNames(decl.Names(kinds))
	if repoPath != "" {
		idx, err = repo.Load(ctx, repoPath, cfg.Venv.Parallelism)
		if err != nil {
			return err
		}
	}
	result := resolver.Resolve(idx.Names())
	if result.EmptyInclude {
		common.ShowWarning("no include patterns in %s, so every dependency is reported as missing", cfg.Patterns.Include)
	}

	missing := deps.Missing(decl.Relations(kinds), result.Included, cfg.Dependencies.OSProvided)
	for _, rel := range missing {
		if withVersions {
			fmt.Fprintln(env.stdout, deps.Format(rel))
		} else {
			fmt.Fprintln(env.stdout, rel.RelatedPackage)
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// venvjail inspect

//runInspect shows what `create` will see of an RPM file: its name, origin,
//requirements and one ">> path is ..." line per file.
func runInspect(ctx context.Context, env *environment, args []string) error {
	fs, cf := newFlagSet(env, "inspect")
	positional, err := env.parseFlags(fs, cf, args, "PACKAGE.rpm")
	if err != nil {
		return err
	}

	pkg, err := rpm.Open(positional[0])
	if err != nil {
		return common.Wrap(common.RepositoryError, positional[0], err)
	}
	requires, err := pkg.Requires()
	if err != nil {
		return common.Wrap(common.RepositoryError, positional[0], err)
	}
	entries, err := pkg.Entries()
	if err != nil {
		return common.Wrap(common.RepositoryError, positional[0], err)
	}

	lines := []string{pkg.FullName()}
	if pkg.IsSource() {
		lines = append(lines, "    source package")
	}
	if pkg.DistURL != "" {
		origin := "unknown"
		if u, err := rpm.ParseDistURL(pkg.DistURL); err == nil {
			origin = u.Origin()
		}
		lines = append(lines, "    origin: "+origin)
	}
	if len(requires) > 0 {
		lines = append(lines, "    requires: "+strings.Join(requires, ", "))
	}
	for _, entry := range entries {
		lines = append(lines, "    >> "+describeEntry(entry))
	}
	_, err = fmt.Fprintln(env.stdout, strings.Join(lines, "\n"))
	return err
}

func describeEntry(entry rpm.Entry) string {
	switch {
	case entry.Ghost:
		return fmt.Sprintf("%s is ghost (not in payload)", entry.Path)
	case entry.Mode.IsDir():
		return fmt.Sprintf("%s is directory (mode: %04o)", entry.Path, entry.Mode.Perm())
	case entry.Mode&os.ModeSymlink != 0:
		return fmt.Sprintf("%s is symlink to %s", entry.Path, entry.LinkTarget)
	case entry.Mode.IsRegular():
		return fmt.Sprintf("%s is regular file (mode: %04o)", entry.Path, entry.Mode.Perm())
	default:
		return fmt.Sprintf("%s is special file (mode: %s)", entry.Path, entry.Mode)
	}
}
