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

package rpmtest

import (
	"bytes"
	"encoding/binary"

	build "github.com/holocm/libpackagebuild"
	"github.com/holocm/libpackagebuild/filesystem"
)

type cpioHeader struct {
	Magic            [6]byte
	InodeNumber      [8]byte
	Mode             [8]byte
	UID              [8]byte
	GID              [8]byte
	NumberOfLinks    [8]byte
	ModificationTime [8]byte
	FileSize         [8]byte
	DevMajor         [8]byte
	DevMinor         [8]byte
	RdevMajor        [8]byte
	RdevMinor        [8]byte
	NameSize         [8]byte
	Checksum         [8]byte
}

//makeArchive renders the package contents as a "newc" CPIO archive with
//"./"-prefixed names, like rpmbuild does. Members of a hardlink group share
//one inode, and only the last of them carries the file contents.
func makeArchive(pkg *build.Package, opts Options) []byte {
	var buf bytes.Buffer
	inodeNumber := uint32(0)
	timestamp := uint32(0)
	if !opts.Mtime.IsZero() {
		timestamp = uint32(opts.Mtime.Unix())
	}

	groupOf := make(map[string]int)
	for idx, group := range opts.Hardlinks {
		for _, path := range group {
			groupOf[path] = idx
		}
	}
	groupInodes := make(map[int]uint32)
	groupSeen := make(map[int]int)
	ghosts := make(map[string]bool)
	for _, path := range opts.Ghosts {
		ghosts[path] = true
	}

	pkg.WalkFSWithAbsolutePaths(func(path string, node filesystem.Node) error {
		if n, ok := node.(*filesystem.Directory); ok && (n.Implicit || path == "/") {
			return nil
		}
		if ghosts[path] {
			return nil
		}
		var data []byte
		switch n := node.(type) {
		case *filesystem.RegularFile:
			data = []byte(n.Content)
		case *filesystem.Symlink:
			data = []byte(n.Target)
		}

		inode, links := uint32(0), uint32(1)
		if idx, ok := groupOf[path]; ok {
			if groupInodes[idx] == 0 {
				inodeNumber++
				groupInodes[idx] = inodeNumber
			}
			inode = groupInodes[idx]
			links = uint32(len(opts.Hardlinks[idx]))
			groupSeen[idx]++
			if groupSeen[idx] < len(opts.Hardlinks[idx]) {
				data = nil
			}
		} else {
			inodeNumber++
			inode = inodeNumber
		}
		writeEntry(&buf, inode, links, "."+path, node.FileModeForArchive(true), timestamp, data)
		return nil
	})

	writeEntry(&buf, 0, 1, "TRAILER!!!", 0, 0, nil)
	return buf.Bytes()
}

func writeEntry(buf *bytes.Buffer, inode, links uint32, name string, mode, mtime uint32, data []byte) {
	nameBytes := append([]byte(name), '\000') //must be NUL-terminated!
	binary.Write(buf, binary.BigEndian, &cpioHeader{
		Magic:            [6]byte{'0', '7', '0', '7', '0', '1'},
		InodeNumber:      cpioFormatInt(inode),
		Mode:             cpioFormatInt(mode),
		UID:              cpioFormatInt(0),
		GID:              cpioFormatInt(0),
		NumberOfLinks:    cpioFormatInt(links),
		ModificationTime: cpioFormatInt(mtime),
		FileSize:         cpioFormatInt(uint32(len(data))),
		DevMajor:         cpioFormatInt(0),
		DevMinor:         cpioFormatInt(0),
		RdevMajor:        cpioFormatInt(0),
		RdevMinor:        cpioFormatInt(0),
		NameSize:         cpioFormatInt(uint32(len(nameBytes))),
		Checksum:         cpioFormatInt(0),
	})
	cpioWriteData(buf, nameBytes)
	cpioWriteData(buf, data)
}

var hexDigits = []byte("0123456789ABCDEF")

func cpioFormatInt(value uint32) [8]byte {
	var str [8]byte
	for idx := 7; idx >= 0; idx-- {
		str[idx] = hexDigits[value&0xF]
		value = value >> 4
	}
	return str
}

//names, contents and link targets are padded to 4-byte alignment relative to
//the start of the archive
func cpioWriteData(buf *bytes.Buffer, data []byte) {
	buf.Write(data)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0x00)
	}
}
