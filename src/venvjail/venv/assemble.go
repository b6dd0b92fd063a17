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

//Package venv assembles a Python venv from the contents of RPM packages.
package venv

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"

	"github.com/venvjail/venvjail/src/venvjail/common"
	"github.com/venvjail/venvjail/src/venvjail/patterns"
	"github.com/venvjail/venvjail/src/venvjail/repo"
)

//LogFileName is the file in the venv root that lists included and excluded
//packages.
const LogFileName = "packages.log"

//Assembler builds venv trees.
type Assembler struct {
	Creator            EnvironmentCreator
	Index              *repo.Index
	Collision          CollisionPolicy
	SystemSitePackages bool
}

//Report describes the outcome of Assemble().
type Report struct {
	Tree       *Tree
	Collisions []Collision
}

//the venv layout that makes /usr paths from packages land in bin and lib
var usrLinks = []struct{ name, target string }{
	{"bin", "../bin"},
	{"lib", "../lib"},
	{"lib64", "../lib"},
}

//Assemble builds a venv at destDir containing the files of all packages in
//result.Included. The tree is built in a staging directory next to destDir
//and only renamed into place once it is complete; on failure, the staging
//directory is removed.
func (a *Assembler) Assemble(ctx context.Context, destDir string, result patterns.Result) (report *Report, returnedErr error) {
	destDir, err := filepath.Abs(destDir)
	if err != nil {
		return nil, err
	}

	//check everything that can be checked without touching the disk
	records := make([]*repo.PackageRecord, 0, len(result.Included))
	for _, name := range result.Included {
		record, ok := a.Index.Get(name)
		if !ok {
			return nil, common.Errorf(common.RepositoryError, name, "package not found in repository %s", a.Index.Dir)
		}
		records = append(records, record)
	}
	p := newPlan()
	for _, record := range records {
		err := p.add(record, a.Collision)
		if err != nil {
			return nil, err
		}
	}
	collisions := p.Collisions()
	for _, c := range collisions {
		common.Log.WithField("winner", c.Packages[len(c.Packages)-1]).Warnf(
			"%s is shipped by multiple packages: %s", c.Path, strings.Join(c.Packages, ", "))
	}

	err = prepareDestination(destDir)
	if err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(filepath.Dir(destDir), filepath.Base(destDir)+".staging-")
	if err != nil {
		return nil, common.Wrap(common.AssemblyError, destDir, err)
	}
	defer func() {
		if returnedErr != nil {
			err := os.RemoveAll(staging)
			if err != nil {
				common.ShowWarning("cannot remove staging directory %s: %s", staging, err.Error())
			}
		}
	}()
	//MkdirTemp creates 0700, but the venv will be shared
	err = os.Chmod(staging, 0755)
	if err != nil {
		return nil, common.Wrap(common.AssemblyError, staging, err)
	}

	common.Log.WithField("dir", staging).Info("creating interpreter environment")
	err = a.Creator.Create(ctx, staging, a.SystemSitePackages)
	if err != nil {
		return nil, common.Wrap(common.AssemblyError, staging, err)
	}
	err = createUsrLinks(staging)
	if err != nil {
		return nil, common.Wrap(common.AssemblyError, staging, err)
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		common.Log.WithFields(logrus.Fields{"package": record.Name, "version": record.Version}).Info("installing package")
		pkg, err := record.Open()
		if err != nil {
			return nil, err
		}
		_, err = pkg.Extract(ctx, staging)
		if err != nil {
			return nil, common.Wrap(common.AssemblyError, record.Name, err)
		}
	}

	err = writePackageLog(filepath.Join(staging, LogFileName), result)
	if err != nil {
		return nil, common.Wrap(common.AssemblyError, staging, err)
	}
	tree := &Tree{Root: staging, EmbeddedRoot: staging, Packages: result.Included}
	err = tree.WriteMarker()
	if err != nil {
		return nil, common.Wrap(common.AssemblyError, staging, err)
	}
	err = os.Rename(staging, destDir)
	if err != nil {
		return nil, common.Wrap(common.AssemblyError, destDir, err)
	}
	tree.Root = destDir

	common.Log.WithFields(logrus.Fields{"dir": destDir, "packages": len(records)}).Info("venv assembled")
	return &Report{Tree: tree, Collisions: collisions}, nil
}

//prepareDestination refuses to overwrite a complete venv, but cleans up the
//remains of an earlier failed attempt.
func prepareDestination(destDir string) error {
	_, err := os.Lstat(destDir)
	if os.IsNotExist(err) {
		return os.MkdirAll(filepath.Dir(destDir), 0755)
	}
	if err != nil {
		return common.Wrap(common.AssemblyError, destDir, err)
	}
	if IsComplete(destDir) {
		return common.Errorf(common.AssemblyError, destDir, "a venv already exists at this location")
	}
	common.ShowWarning("removing incomplete venv at %s", destDir)
	err = os.RemoveAll(destDir)
	return common.Wrap(common.AssemblyError, destDir, err)
}

func createUsrLinks(root string) error {
	for _, dir := range []string{"bin", "lib", "usr"} {
		err := os.MkdirAll(filepath.Join(root, dir), 0755)
		if err != nil {
			return err
		}
	}
	for _, link := range usrLinks {
		path := filepath.Join(root, "usr", link.name)
		if _, err := os.Lstat(path); err == nil {
			continue //the environment creator already took care of it
		}
		err := os.Symlink(link.target, path)
		if err != nil {
			return err
		}
	}
	return nil
}

func writePackageLog(path string, result patterns.Result) error {
	var b strings.Builder
	b.WriteString("# Included packages\n")
	for _, name := range result.Included {
		b.WriteString(name + "\n")
	}
	b.WriteString("\n\n# Excluded packages\n")
	for _, name := range result.Excluded {
		b.WriteString(name + "\n")
	}
	return renameio.WriteFile(path, []byte(b.String()), 0644)
}
