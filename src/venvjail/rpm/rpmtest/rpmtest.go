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

//Package rpmtest writes small but well-formed RPM files for use in tests.
package rpmtest

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	build "github.com/holocm/libpackagebuild"
	"github.com/holocm/libpackagebuild/filesystem"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

//Options controls the parts of the RPM that are not described by the
//build.Package.
type Options struct {
	//DistURL is written into the DISTURL tag if not empty.
	DistURL string
	//Source produces a source RPM instead of a binary RPM.
	Source bool
	//Compression is one of "gzip" (default), "xz", "lzma", "zstd" or "none".
	Compression string
	//Mtime is recorded for all payload entries.
	Mtime time.Time
	//Hardlinks lists groups of regular files that share one inode in the
	//payload. The files within a group must have the same content.
	Hardlinks [][]string
	//Ghosts are listed in the header with the %ghost flag, but left out of
	//the payload.
	Ghosts []string
}

//NewPackage prepares an empty package description.
func NewPackage(name, version string) *build.Package {
	return &build.Package{
		Name:         name,
		Version:      version,
		Release:      1,
		Architecture: build.ArchitectureAny,
		FSRoot:       filesystem.NewDirectory(),
	}
}

//AddFile adds a regular file to the package.
func AddFile(pkg *build.Package, path, content string, mode os.FileMode) {
	err := pkg.InsertFSNode(path, &filesystem.RegularFile{
		Content:  content,
		Metadata: filesystem.NodeMetadata{Mode: mode},
	})
	if err != nil {
		panic(err.Error())
	}
}

//AddSymlink adds a symlink to the package.
func AddSymlink(pkg *build.Package, path, target string) {
	err := pkg.InsertFSNode(path, &filesystem.Symlink{Target: target})
	if err != nil {
		panic(err.Error())
	}
}

//AddDirectory adds an explicit directory entry to the package.
func AddDirectory(pkg *build.Package, path string) {
	err := pkg.InsertFSNode(path, filesystem.NewDirectory())
	if err != nil {
		panic(err.Error())
	}
}

//FileName returns the conventional file name for the package.
func FileName(pkg *build.Package, opts Options) string {
	return fmt.Sprintf("%s-%s.%s.rpm", pkg.Name, fullVersion(pkg), archString(pkg, opts))
}

//Write builds the package and writes it into dir, returning the file path.
func Write(t testing.TB, dir string, pkg *build.Package, opts Options) string {
	t.Helper()
	data, err := Build(pkg, opts)
	require.NoError(t, err)
	path := filepath.Join(dir, FileName(pkg, opts))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func fullVersion(pkg *build.Package) string {
	return fmt.Sprintf("%s-%d", pkg.Version, pkg.Release)
}

func archString(pkg *build.Package, opts Options) string {
	if opts.Source {
		return "src"
	}
	switch pkg.Architecture {
	case build.ArchitectureX86_64:
		return "x86_64"
	case build.ArchitectureI386:
		return "i586"
	case build.ArchitectureAArch64:
		return "aarch64"
	default:
		return "noarch"
	}
}

//Build renders the package into the bytes of an RPM file.
func Build(pkg *build.Package, opts Options) ([]byte, error) {
	archive := makeArchive(pkg, opts)
	payload, compressor, err := compress(archive, opts.Compression)
	if err != nil {
		return nil, err
	}

	headerSection := makeHeaderSection(pkg, opts, compressor)
	signatureSection := makeSignatureSection(headerSection, payload, len(archive))

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, makeLead(pkg, opts))
	writeAligned(&buf, signatureSection)
	writeAligned(&buf, headerSection)
	buf.Write(payload)
	return buf.Bytes(), nil
}

//header structures must be aligned to an 8 byte boundary
func writeAligned(buf *bytes.Buffer, data []byte) {
	for buf.Len()%8 != 0 {
		buf.WriteByte(0x00)
	}
	buf.Write(data)
}

type lead struct {
	Magic              [4]byte
	Version            [2]byte
	Type               uint16
	Architecture       uint16
	NameVersionRelease [66]byte
	OperatingSystem    uint16
	SignatureType      uint16
	Reserved           [16]byte
}

func makeLead(pkg *build.Package, opts Options) *lead {
	l := &lead{
		Magic:           [4]byte{0xed, 0xab, 0xee, 0xdb},
		Version:         [2]byte{0x03, 0x00},
		OperatingSystem: 1, //Linux
		SignatureType:   5, //signature section follows
	}
	if opts.Source {
		l.Type = 1
	}
	//the last byte stays NUL
	copy(l.NameVersionRelease[:65], pkg.Name+"-"+fullVersion(pkg))
	return l
}

func makeHeaderSection(pkg *build.Package, opts Options, compressor string) []byte {
	h := &header{}
	h.addString(1000, pkg.Name)    //NAME
	h.addString(1001, pkg.Version) //VERSION
	h.addString(1002, fmt.Sprintf("%d", pkg.Release))
	h.addString(1021, "linux") //OS
	h.addString(1022, archString(pkg, opts))
	if !opts.Source {
		h.addString(1044, fmt.Sprintf("%s-%s.src.rpm", pkg.Name, fullVersion(pkg))) //SOURCERPM
	}
	if opts.DistURL != "" {
		h.addString(1123, opts.DistURL)
	}
	h.addString(1124, "cpio") //PAYLOADFORMAT
	h.addString(1125, compressor)

	var (
		modes      []uint16
		flags      []int32
		linktos    []string
		dirIndexes []int32
		basenames  []string
		dirnames   []string
	)
	ghosts := make(map[string]bool)
	for _, path := range opts.Ghosts {
		ghosts[path] = true
	}
	//NOTE: This traversal works in the same way as the one in makeArchive.
	pkg.WalkFSWithAbsolutePaths(func(path string, node filesystem.Node) error {
		if n, ok := node.(*filesystem.Directory); ok && (n.Implicit || path == "/") {
			return nil
		}
		dirname := filepath.Dir(path)
		if !strings.HasSuffix(dirname, "/") {
			dirname += "/"
		}
		dirIdx := -1
		for idx, d := range dirnames {
			if d == dirname {
				dirIdx = idx
			}
		}
		if dirIdx < 0 {
			dirIdx = len(dirnames)
			dirnames = append(dirnames, dirname)
		}
		dirIndexes = append(dirIndexes, int32(dirIdx))
		basenames = append(basenames, filepath.Base(path))
		modes = append(modes, uint16(node.FileModeForArchive(true)))
		if ghosts[path] {
			flags = append(flags, 1<<6) //RPMFILE_GHOST
		} else {
			flags = append(flags, 0)
		}
		if s, ok := node.(*filesystem.Symlink); ok {
			linktos = append(linktos, s.Target)
		} else {
			linktos = append(linktos, "")
		}
		return nil
	})
	if len(basenames) > 0 {
		h.addInt16(1030, modes)           //FILEMODES
		h.addStringArray(1036, linktos)   //FILELINKTOS
		h.addInt32(1037, flags)           //FILEFLAGS
		h.addInt32(1116, dirIndexes)      //DIRINDEXES
		h.addStringArray(1117, basenames) //BASENAMES
		h.addStringArray(1118, dirnames)  //DIRNAMES
	}

	var requires []string
	for _, rel := range pkg.Requires {
		requires = append(requires, rel.RelatedPackage)
	}
	if len(requires) > 0 {
		h.addStringArray(1049, requires) //REQUIRENAME
	}

	return h.toBinary(tagHeaderImmutable)
}

func makeSignatureSection(headerSection, payload []byte, uncompressedSize int) []byte {
	h := &header{}
	h.addInt32(sigtagSize, []int32{int32(len(headerSection) + len(payload))})
	h.addInt32(sigtagPayloadSize, []int32{int32(uncompressedSize)})

	sha1sum := sha1.Sum(headerSection)
	h.addString(sigtagSHA1, hex.EncodeToString(sha1sum[:]))

	md5digest := md5.New()
	md5digest.Write(headerSection)
	md5digest.Write(payload)
	h.addBinary(sigtagMD5, md5digest.Sum(nil))

	return h.toBinary(tagHeaderSignatures)
}

func compress(data []byte, method string) ([]byte, string, error) {
	var buf bytes.Buffer
	switch method {
	case "", "gzip":
		w := pgzip.NewWriter(&buf)
		_, err := w.Write(data)
		if err == nil {
			err = w.Close()
		}
		return buf.Bytes(), "gzip", err
	case "xz":
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, "", err
		}
		_, err = w.Write(data)
		if err == nil {
			err = w.Close()
		}
		return buf.Bytes(), "xz", err
	case "lzma":
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, "", err
		}
		_, err = w.Write(data)
		if err == nil {
			err = w.Close()
		}
		return buf.Bytes(), "lzma", err
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, "", err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), "zstd", nil
	case "none":
		return data, "none", nil
	}
	return nil, "", fmt.Errorf("unknown compression method %q", method)
}
