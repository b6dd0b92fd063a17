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

//Package relocate moves an assembled venv to its final location, rewriting
//every reference to the directory where it was built.
package relocate

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/venvjail/venvjail/src/venvjail/common"
	"github.com/venvjail/venvjail/src/venvjail/venv"
)

//Relocator rewrites venv trees for a new location.
type Relocator struct {
	//Interpreter is the file name (in the venv's bin directory) that
	//shebangs of packaged scripts are pointed at.
	Interpreter string
	//ShebangDirs are the directories (relative to the venv root) whose
	//scripts have their shebangs rewritten.
	ShebangDirs []string
	//AlternativeSuffixes are tried in order when replacing a link to
	///etc/alternatives by a sibling file.
	AlternativeSuffixes []string
	//Parallelism limits the number of files rewritten concurrently.
	Parallelism int
}

//Options contains per-call settings for Relocate().
type Options struct {
	//InstallRoot is prepended to the target to obtain the physical location
	//of the relocated tree (like DESTDIR in makefiles).
	InstallRoot string
	//InPlace rewrites references to point to the target, but leaves the tree
	//where it is.
	InPlace bool
}

//NewRelocator builds a Relocator from the configuration.
func NewRelocator(cfg common.VenvSection) *Relocator {
	return &Relocator{
		Interpreter:         cfg.Interpreter,
		ShebangDirs:         cfg.ShebangDirs,
		AlternativeSuffixes: cfg.AlternativeSuffixes,
		Parallelism:         cfg.Parallelism,
	}
}

//Relocate rewrites the given tree such that it works when placed at target.
//The rewritten tree is prepared in a staging directory next to its final
//location and renamed into place when complete. If anything fails, the
//original tree stays untouched.
func (r *Relocator) Relocate(ctx context.Context, tree *venv.Tree, target string, opts Options) (result *venv.Tree, returnedErr error) {
	if !filepath.IsAbs(target) {
		return nil, common.Errorf(common.RelocationError, target, "relocation target must be an absolute path")
	}
	target = filepath.Clean(target)
	oldRoot := tree.EmbeddedRoot
	if oldRoot == "" {
		oldRoot = tree.Root
	}

	dest := filepath.Join(opts.InstallRoot, target)
	if opts.InPlace {
		dest = tree.Root
	}
	if oldRoot == target && dest == tree.Root {
		common.Log.WithField("dir", dest).Info("venv is already at its target location")
		return tree, nil
	}
	if dest != tree.Root {
		if _, err := os.Lstat(dest); err == nil {
			return nil, common.Errorf(common.RelocationError, dest, "destination already exists")
		}
		err := os.MkdirAll(filepath.Dir(dest), 0755)
		if err != nil {
			return nil, common.Wrap(common.RelocationError, dest, err)
		}
	}

	staging, err := os.MkdirTemp(filepath.Dir(dest), filepath.Base(dest)+".relocate-")
	if err != nil {
		return nil, common.Wrap(common.RelocationError, dest, err)
	}
	defer func() {
		if returnedErr != nil {
			err := os.RemoveAll(staging)
			if err != nil {
				common.ShowWarning("cannot remove staging directory %s: %s", staging, err.Error())
			}
		}
	}()
	//MkdirTemp created the directory, but copyTree wants to create it itself
	err = os.Remove(staging)
	if err == nil {
		err = copyTree(tree.Root, staging)
	}
	if err == nil {
		err = venv.RemoveMarker(staging)
	}
	if err != nil {
		return nil, common.Wrap(common.RelocationError, staging, err)
	}

	common.Log.WithFields(logrus.Fields{"from": oldRoot, "to": target}).Info("relocating venv")
	rw := &rewriter{staging: staging, oldRoot: oldRoot, newRoot: target, settings: r}
	err = r.rewriteAll(ctx, rw)
	if err != nil {
		return nil, err
	}
	stale, err := Scan(staging, oldRoot, target)
	if err != nil {
		return nil, common.Wrap(common.RelocationError, staging, err)
	}
	if len(stale) > 0 {
		var ec common.ErrorCollector
		for _, path := range stale {
			ec.Addf("%s still refers to %s", path, oldRoot)
		}
		return nil, ec.Err(common.RelocationError, dest)
	}

	relocated := &venv.Tree{Root: staging, EmbeddedRoot: target, Packages: tree.Packages}
	err = relocated.WriteMarker()
	if err != nil {
		return nil, common.Wrap(common.RelocationError, staging, err)
	}

	if dest == tree.Root {
		err = swap(staging, dest)
		if err != nil {
			return nil, common.Wrap(common.RelocationError, dest, err)
		}
	} else {
		err = os.Rename(staging, dest)
		if err != nil {
			return nil, common.Wrap(common.RelocationError, dest, err)
		}
		err = os.RemoveAll(tree.Root)
		if err != nil {
			common.ShowWarning("cannot remove %s after relocation: %s", tree.Root, err.Error())
		}
	}
	relocated.Root = dest

	common.Log.WithFields(logrus.Fields{"dir": dest, "target": target}).Info("venv relocated")
	return relocated, nil
}

//swap replaces the directory at dest by the one at staging. If the second
//rename fails, the original directory is put back.
func swap(staging, dest string) error {
	backup := staging + ".old"
	err := os.Rename(dest, backup)
	if err != nil {
		return err
	}
	err = os.Rename(staging, dest)
	if err != nil {
		if rollbackErr := os.Rename(backup, dest); rollbackErr != nil {
			common.ShowWarning("cannot restore %s from %s: %s", dest, backup, rollbackErr.Error())
		}
		return err
	}
	err = os.RemoveAll(backup)
	if err != nil {
		common.ShowWarning("cannot remove %s: %s", backup, err.Error())
	}
	return nil
}

type job struct {
	rel string
	fi  os.FileInfo
}

//rewriteAll runs the rewrites on all files of the staging tree. Files are
//processed concurrently, but warnings and errors are reported in path order
//so that the output is reproducible.
func (r *Relocator) rewriteAll(ctx context.Context, rw *rewriter) error {
	var jobs []job
	err := filepath.WalkDir(rw.staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() && fi.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(rw.staging, path)
		if err != nil {
			return err
		}
		jobs = append(jobs, job{rel, fi})
		return nil
	})
	if err != nil {
		return common.Wrap(common.RelocationError, rw.staging, err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].rel < jobs[j].rel })

	outcomes := make([]outcome, len(jobs))
	eg, ctx := errgroup.WithContext(ctx)
	if r.Parallelism > 0 {
		eg.SetLimit(r.Parallelism)
	}
	for idx, j := range jobs {
		idx, j := idx, j
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if j.fi.Mode()&os.ModeSymlink != 0 {
				outcomes[idx] = rw.rewriteSymlink(j.rel)
			} else {
				outcomes[idx] = rw.rewriteFile(j.rel, j.fi)
			}
			return nil
		})
	}
	err = eg.Wait()
	if err != nil {
		return err
	}

	for idx, o := range outcomes {
		for _, warning := range o.warnings {
			common.ShowWarning("%s", warning)
		}
		if o.err != nil {
			return common.Wrap(common.RelocationError, jobs[idx].rel, o.err)
		}
	}
	return nil
}
