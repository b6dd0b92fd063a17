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
	"io/fs"
	"os"
	"path/filepath"
)

//Scan returns the paths (relative to root, in lexical order) of all files and
//symlinks below root that still contain the string needle. If ignore is
//given, occurrences of needle that are part of an occurrence of ignore are
//not counted.
func Scan(root, needle string, ignore ...string) ([]string, error) {
	if needle == "" {
		return nil, nil
	}
	other := ""
	if len(ignore) > 0 {
		other = ignore[0]
	}

	var result []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		var content []byte
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			content = []byte(link)
		case d.Type().IsRegular():
			content, err = os.ReadFile(path)
			if err != nil {
				return err
			}
		default:
			return nil
		}
		if len(staleOffsets(content, needle, other)) > 0 {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			result = append(result, rel)
		}
		return nil
	})
	return result, err
}
