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
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

//MarkerFileName is the name of the completion marker at the root of every
//finished venv. A directory without it is an incomplete build.
const MarkerFileName = ".venvjail-complete"

//Tree is a completely assembled venv.
type Tree struct {
	//Root is where the tree currently lives on disk.
	Root string
	//EmbeddedRoot is the path that the files in the tree refer to (in
	//shebangs, activators etc.). It differs from Root when the tree was built
	//in a staging directory, or relocated into an install root.
	EmbeddedRoot string
	//Packages lists the packages whose contents went into the tree.
	Packages []string
}

type marker struct {
	EmbeddedRoot string   `toml:"embedded_root"`
	Packages     []string `toml:"packages"`
}

//Open returns the Tree at the given root, or an AssemblyError if there is no
//complete tree.
func Open(root string) (*Tree, error) {
	var m marker
	_, err := toml.DecodeFile(filepath.Join(root, MarkerFileName), &m)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.Errorf(common.AssemblyError, root, "not a complete venv (completion marker missing)")
		}
		return nil, common.Wrap(common.AssemblyError, root, err)
	}
	return &Tree{Root: root, EmbeddedRoot: m.EmbeddedRoot, Packages: m.Packages}, nil
}

//IsComplete returns whether a complete tree exists at the given root.
func IsComplete(root string) bool {
	fi, err := os.Stat(filepath.Join(root, MarkerFileName))
	return err == nil && fi.Mode().IsRegular()
}

//WriteMarker marks the tree as complete. The marker is written atomically, so
//a crash never leaves a half-written marker behind.
func (t *Tree) WriteMarker() error {
	pending, err := renameio.TempFile("", filepath.Join(t.Root, MarkerFileName))
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	err = toml.NewEncoder(pending).Encode(marker{t.EmbeddedRoot, t.Packages})
	if err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

//RemoveMarker marks the tree as incomplete.
func RemoveMarker(root string) error {
	err := os.Remove(filepath.Join(root, MarkerFileName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
