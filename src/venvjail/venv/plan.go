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

package venv

import (
	"fmt"
	"os"
	"strings"

	"github.com/holocm/libpackagebuild/filesystem"

	"github.com/venvjail/venvjail/src/venvjail/common"
	"github.com/venvjail/venvjail/src/venvjail/repo"
)

//CollisionPolicy decides what happens when two packages ship the same file.
type CollisionPolicy int

const (
	//LastWins lets the package that sorts last by name win, with a warning.
	LastWins CollisionPolicy = iota
	//FailOnCollision aborts the assembly.
	FailOnCollision
)

//ParseCollisionPolicy parses the value of the "collision" setting.
func ParseCollisionPolicy(value string) (CollisionPolicy, error) {
	switch value {
	case "last-wins":
		return LastWins, nil
	case "error":
		return FailOnCollision, nil
	}
	return LastWins, fmt.Errorf("unknown collision policy %q (expected \"last-wins\" or \"error\")", value)
}

func (p CollisionPolicy) String() string {
	if p == FailOnCollision {
		return "error"
	}
	return "last-wins"
}

//Collision describes a path that is shipped by more than one package.
type Collision struct {
	Path string
	//Packages lists the claimants in extraction order; the last one wins.
	Packages []string
}

//The venv has usr/bin, usr/lib and usr/lib64 pointing into bin and lib, so
//these prefixes end up in the same place.
var canonicalPrefixes = []struct{ from, to string }{
	{"/usr/bin", "/bin"},
	{"/usr/lib64", "/lib"},
	{"/usr/lib", "/lib"},
}

//CanonicalPath returns the location inside the venv where the given
//in-package path ends up.
func CanonicalPath(path string) string {
	for _, prefix := range canonicalPrefixes {
		if path == prefix.from {
			return prefix.to
		}
		if strings.HasPrefix(path, prefix.from+"/") {
			return prefix.to + strings.TrimPrefix(path, prefix.from)
		}
	}
	return path
}

//plan merges the manifests of all packages (in the given order) into one
//filesystem tree, and finds the paths that are claimed more than once.
type plan struct {
	root       *filesystem.Directory
	owners     map[string]string
	collisions map[string]*Collision
	order      []string
}

func newPlan() *plan {
	return &plan{
		root:       filesystem.NewDirectory(),
		owners:     make(map[string]string),
		collisions: make(map[string]*Collision),
	}
}

func (p *plan) add(record *repo.PackageRecord, policy CollisionPolicy) error {
	for _, entry := range record.Entries {
		path := CanonicalPath(entry.Path)
		if path == "/" || entry.Ghost {
			continue
		}
		segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
		existing := lookup(p.root, segments)

		if entry.Mode.IsDir() {
			switch existing.(type) {
			case nil:
				err := p.root.Insert(filesystem.NewDirectory(), segments, "")
				if err != nil {
					return clash(record.Name, path, err)
				}
			case *filesystem.Directory:
				//directories are shared freely
			default:
				return clash(record.Name, path, fmt.Errorf("directory conflicts with a file from %s", p.owners[path]))
			}
			continue
		}

		var node filesystem.Node = &filesystem.RegularFile{Metadata: filesystem.NodeMetadata{Mode: entry.Mode}}
		if entry.Mode&os.ModeSymlink != 0 {
			node = &filesystem.Symlink{Target: entry.LinkTarget}
		}

		switch existing.(type) {
		case nil:
			err := p.root.Insert(node, segments, "")
			if err != nil {
				return clash(record.Name, path, err)
			}
		case *filesystem.Directory:
			return clash(record.Name, path, fmt.Errorf("file conflicts with a directory"))
		default:
			previous := p.owners[path]
			if previous == record.Name {
				continue
			}
			if policy == FailOnCollision {
				return common.Errorf(common.AssemblyError, path, "shipped by both %s and %s", previous, record.Name)
			}
			c, exists := p.collisions[path]
			if !exists {
				c = &Collision{Path: path, Packages: []string{previous}}
				p.collisions[path] = c
				p.order = append(p.order, path)
			}
			c.Packages = append(c.Packages, record.Name)
			replace(p.root, segments, node)
		}
		p.owners[path] = record.Name
	}
	return nil
}

//Collisions returns all collisions in the order in which they were found.
func (p *plan) Collisions() []Collision {
	result := make([]Collision, len(p.order))
	for idx, path := range p.order {
		result[idx] = *p.collisions[path]
	}
	return result
}

func clash(pkgName, path string, err error) error {
	return common.Errorf(common.AssemblyError, pkgName, "cannot place %s: %s", path, err.Error())
}

func lookup(dir *filesystem.Directory, segments []string) filesystem.Node {
	node := dir.Entries[segments[0]]
	if len(segments) == 1 || node == nil {
		return node
	}
	subdir, ok := node.(*filesystem.Directory)
	if !ok {
		return nil
	}
	return lookup(subdir, segments[1:])
}

func replace(dir *filesystem.Directory, segments []string, node filesystem.Node) {
	if len(segments) == 1 {
		dir.Entries[segments[0]] = node
		return
	}
	replace(dir.Entries[segments[0]].(*filesystem.Directory), segments[1:], node)
}
