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

package relocate

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/venvjail/venvjail/src/venvjail/rpm"
)

//copyTree copies the directory tree at src to dest (which must not exist),
//keeping permissions, symlinks and modification times.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case fi.IsDir():
			//make sure that we can write into the copy even if the original
			//is read-only
			return os.MkdirAll(target, fi.Mode().Perm()|0700)
		case fi.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			err = os.Symlink(link, target)
			if err != nil {
				return err
			}
			return rpm.SetSymlinkTime(target, fi.ModTime())
		case fi.Mode().IsRegular():
			return copyFile(path, target, fi)
		default:
			//sockets and such cannot be part of a venv
			return nil
		}
	})
}

func copyFile(src, dest string, fi os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Chmod(fi.Mode().Perm()); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dest, fi.ModTime(), fi.ModTime())
}
