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

package rpm

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/sirupsen/logrus"
	cpio "github.com/surma/gocpio"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/sys/unix"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

//maximum length of a symlink target that we accept in a payload
const maxLinkTarget = 4096

//size of a "newc" CPIO header, without the file name
const cpioHeaderSize = 110

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicXz    = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
	magicLzma  = []byte{0x5d, 0x00, 0x00}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicCpio  = []byte("070701")
)

//decompressor recognizes the compression format by looking at the first bytes
//of the stream, since the PAYLOADCOMPRESSOR tag is not always trustworthy.
func decompressor(r *bufio.Reader) (io.ReadCloser, string, error) {
	magic, _ := r.Peek(6) //short reads are handled by the checks below

	switch {
	case bytes.HasPrefix(magic, magicGzip):
		zr, err := pgzip.NewReader(r)
		return zr, "gzip", err
	case bytes.HasPrefix(magic, magicBzip2):
		return io.NopCloser(bzip2.NewReader(r)), "bzip2", nil
	case bytes.HasPrefix(magic, magicXz):
		xr, err := xz.NewReader(r)
		return io.NopCloser(xr), "xz", err
	case bytes.HasPrefix(magic, magicZstd):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, "zstd", err
		}
		return zr.IOReadCloser(), "zstd", nil
	case bytes.HasPrefix(magic, magicLzma):
		lr, err := lzma.NewReader(r)
		return io.NopCloser(lr), "lzma", err
	case bytes.HasPrefix(magic, magicCpio):
		return io.NopCloser(r), "none", nil
	}
	return nil, "", fmt.Errorf("unrecognized payload compression (magic bytes 0x%x)", magic)
}

type payloadReader struct {
	io.ReadCloser
	file *os.File
}

func (p payloadReader) Close() error {
	err := p.ReadCloser.Close()
	closeErr := p.file.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

//OpenPayload returns a reader for the uncompressed CPIO payload of this package.
func (p *Package) OpenPayload() (io.ReadCloser, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("cannot read payload of %s: package was not opened from a file", p.Name)
	}
	file, err := os.Open(p.Path)
	if err != nil {
		return nil, err
	}
	_, err = file.Seek(p.payloadOffset, io.SeekStart)
	if err != nil {
		file.Close()
		return nil, err
	}

	rc, format, err := decompressor(bufio.NewReader(file))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("cannot read payload of %s: %s", p.Path, err.Error())
	}
	common.Log.WithFields(logrus.Fields{"package": p.Name, "compression": format}).Debug("opened payload")
	return payloadReader{rc, file}, nil
}

//Extract unpacks the payload of this package below the given root directory.
//Existing files are replaced. Entries that would end up outside of root (via
//".." components or via symlinks) are rejected. The returned list contains the
//absolute in-package paths of all extracted entries.
func (p *Package) Extract(ctx context.Context, root string) ([]string, error) {
	payload, err := p.OpenPayload()
	if err != nil {
		return nil, err
	}
	defer payload.Close()

	x, err := newExtractor(root)
	if err != nil {
		return nil, err
	}

	var extracted []string
	tap := &headerTap{r: payload}
	cr := cpio.NewReader(tap)
	for {
		if err := ctx.Err(); err != nil {
			return extracted, err
		}
		tap.header = nil
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("%s: corrupt payload: %s", p.Name, err.Error())
		}
		if hdr.IsTrailer() {
			break
		}
		inode, links, err := tap.linkInfo()
		if err != nil {
			return extracted, fmt.Errorf("%s: corrupt payload: %s", p.Name, err.Error())
		}

		name := CleanPath(hdr.Name)
		if name == "/" {
			continue
		}
		ok, err := x.extractEntry(name, hdr, cr)
		if err == nil && ok && hdr.Type == cpio.TYPE_REG && links > 1 {
			err = x.linkGroup(inode, name, hdr.Size > 0)
		}
		if err != nil {
			return extracted, fmt.Errorf("%s: cannot extract %s: %s", p.Name, name, err.Error())
		}
		if ok {
			extracted = append(extracted, name)
		}
	}
	return extracted, nil
}

//headerTap sits between the payload stream and the CPIO reader. It turns
//short reads into full reads, and keeps a copy of the first header that is
//read after a reset, because gocpio does not expose the inode number and link
//count.
type headerTap struct {
	r      io.Reader
	header []byte
}

func (t *headerTap) Read(b []byte) (int, error) {
	n, err := io.ReadFull(t.r, b)
	if t.header == nil && len(b) == cpioHeaderSize && n == len(b) {
		t.header = append([]byte(nil), b...)
	}
	return n, err
}

//linkInfo decodes the inode number and the link count of the last header.
func (t *headerTap) linkInfo() (inode uint64, links uint64, err error) {
	if len(t.header) != cpioHeaderSize {
		return 0, 0, fmt.Errorf("missing CPIO header")
	}
	inode, err = strconv.ParseUint(string(t.header[6:14]), 16, 32)
	if err != nil {
		return 0, 0, err
	}
	links, err = strconv.ParseUint(string(t.header[38:46]), 16, 32)
	return inode, links, err
}

//CleanPath turns a path from a CPIO archive ("./usr/bin/foo") or a header
//into a clean absolute path ("/usr/bin/foo"). The result never contains "..".
func CleanPath(name string) string {
	return path.Clean("/" + strings.TrimPrefix(name, "."))
}

type extractor struct {
	root     string
	realRoot string
	//hardlinks by inode; rpmbuild writes all but the last member of a group
	//with size 0 and puts the contents into the last one
	pendingLinks map[uint64][]string
	linkSources  map[uint64]string
}

func newExtractor(root string) (*extractor, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}
	return &extractor{
		root:         root,
		realRoot:     realRoot,
		pendingLinks: make(map[uint64][]string),
		linkSources:  make(map[uint64]string),
	}, nil
}

//linkGroup records a member of a hardlink group. Once the member with the
//contents has been extracted, all other members become links to it.
func (x *extractor) linkGroup(inode uint64, name string, hasData bool) error {
	if !hasData {
		source, exists := x.linkSources[inode]
		if !exists {
			x.pendingLinks[inode] = append(x.pendingLinks[inode], name)
			return nil
		}
		return x.link(source, name)
	}

	x.linkSources[inode] = name
	for _, pending := range x.pendingLinks[inode] {
		err := x.link(name, pending)
		if err != nil {
			return err
		}
	}
	delete(x.pendingLinks, inode)
	return nil
}

func (x *extractor) link(source, name string) error {
	fullPath := filepath.Join(x.root, filepath.FromSlash(name))
	err := x.removeExisting(fullPath)
	if err != nil {
		return err
	}
	return os.Link(filepath.Join(x.root, filepath.FromSlash(source)), fullPath)
}

//contained checks that the given path, once all symlinks in its existing
//ancestors are resolved, is still below the real root.
func (x *extractor) contained(fullPath string) error {
	probe := fullPath
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rel, err := filepath.Rel(x.realRoot, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
				return fmt.Errorf("path escapes the target directory via %s", probe)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return fmt.Errorf("%s does not exist", x.root)
		}
		probe = parent
	}
}

func (x *extractor) extractEntry(name string, hdr *cpio.Header, body io.Reader) (bool, error) {
	fullPath := filepath.Join(x.root, filepath.FromSlash(name))
	parent := filepath.Dir(fullPath)
	err := x.contained(parent)
	if err != nil {
		return false, err
	}
	mode := os.FileMode(hdr.Mode & 07777)
	mtime := time.Unix(int64(hdr.Mtime), 0)

	switch hdr.Type {
	case cpio.TYPE_DIR:
		//an existing directory (or a symlink to one, like usr/bin -> ../bin)
		//is reused as-is
		err := x.contained(fullPath)
		if err != nil {
			return false, err
		}
		fi, err := os.Stat(fullPath)
		if err == nil && fi.IsDir() {
			return true, nil
		}
		return true, os.MkdirAll(fullPath, mode.Perm()|0700)

	case cpio.TYPE_REG:
		err := os.MkdirAll(parent, 0755)
		if err != nil {
			return false, err
		}
		err = x.removeExisting(fullPath)
		if err != nil {
			return false, err
		}
		file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return false, err
		}
		_, err = io.Copy(file, body)
		if err == nil {
			err = file.Chmod(mode)
		}
		closeErr := file.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			return false, err
		}
		return true, os.Chtimes(fullPath, mtime, mtime)

	case cpio.TYPE_SYMLINK:
		target, err := io.ReadAll(io.LimitReader(body, maxLinkTarget+1))
		if err != nil {
			return false, err
		}
		if len(target) == 0 || len(target) > maxLinkTarget {
			return false, fmt.Errorf("invalid symlink target")
		}
		err = os.MkdirAll(parent, 0755)
		if err != nil {
			return false, err
		}
		err = x.removeExisting(fullPath)
		if err != nil {
			return false, err
		}
		err = os.Symlink(string(target), fullPath)
		if err != nil {
			return false, err
		}
		return true, SetSymlinkTime(fullPath, mtime)

	default:
		//device nodes, FIFOs and sockets have no business in a venv
		common.Log.WithField("path", name).Debug("skipping special file")
		return false, nil
	}
}

func (x *extractor) removeExisting(fullPath string) error {
	fi, err := os.Lstat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("a directory exists at this path")
	}
	return os.Remove(fullPath)
}

//SetSymlinkTime sets the mtime of the symlink itself (not of its target).
func SetSymlinkTime(fullPath string, mtime time.Time) error {
	ts := []unix.Timespec{unix.NsecToTimespec(mtime.UnixNano()), unix.NsecToTimespec(mtime.UnixNano())}
	return unix.UtimesNanoAt(unix.AT_FDCWD, fullPath, ts, unix.AT_SYMLINK_NOFOLLOW)
}
