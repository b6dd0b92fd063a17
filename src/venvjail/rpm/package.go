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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

var leadMagic = [4]byte{0xed, 0xab, 0xee, 0xdb}

//Lead represents the RPM lead (the first header of an RPM file, before the
//actual header sections).
type Lead struct {
	Magic              [4]byte
	Version            [2]byte
	Type               uint16
	Architecture       uint16
	NameVersionRelease [66]byte
	OperatingSystem    uint16
	SignatureType      uint16
	Reserved           [16]byte
}

//Package is an RPM file whose headers have been read. The payload is only
//read on demand by Extract().
type Package struct {
	Path      string
	Name      string
	Version   string
	Release   string
	Arch      string
	SourceRPM string
	DistURL   string
	//Header is the main header section.
	Header *Header

	lead          Lead
	payloadOffset int64
}

//Entry describes one file in the manifest of a package.
type Entry struct {
	//Path is the absolute path inside the package, e.g. "/usr/bin/nova-api".
	Path string
	Mode os.FileMode
	//LinkTarget is set for symlinks.
	LinkTarget string
	//Ghost entries (%ghost in the spec file) are owned by the package, but
	//not contained in its payload.
	Ghost bool
}

//RPMFILE_GHOST from the FILEFLAGS tag
const fileFlagGhost = 1 << 6

//Open reads the lead and header sections of the RPM file at the given path.
func Open(filePath string) (*Package, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	pkg, err := Read(file)
	if err != nil {
		return nil, fmt.Errorf("cannot read RPM package %s: %s", filePath, err.Error())
	}
	pkg.Path = filePath
	return pkg, nil
}

//Read reads the lead and header sections from the given stream. The returned
//package cannot be extracted unless Path is set by the caller.
func Read(r io.Reader) (*Package, error) {
	counter := &countingReader{r: r}
	pkg := &Package{}

	err := binary.Read(counter, binary.BigEndian, &pkg.lead)
	if err != nil {
		return nil, err
	}
	if pkg.lead.Magic != leadMagic {
		return nil, fmt.Errorf("not an RPM package (bad lead magic)")
	}

	//the signature section is not interesting to us since we don't do any
	//verification, but we need to skip over it
	_, err = readHeader(counter, true)
	if err != nil {
		return nil, fmt.Errorf("signature section: %s", err.Error())
	}
	pkg.Header, err = readHeader(counter, false)
	if err != nil {
		return nil, fmt.Errorf("header section: %s", err.Error())
	}
	pkg.payloadOffset = counter.n

	h := pkg.Header
	for _, field := range []struct {
		tag    uint32
		target *string
	}{
		{TagName, &pkg.Name},
		{TagVersion, &pkg.Version},
		{TagRelease, &pkg.Release},
		{TagArch, &pkg.Arch},
		{TagSourceRPM, &pkg.SourceRPM},
		{TagDistURL, &pkg.DistURL},
	} {
		*field.target, err = h.String(field.tag)
		if err != nil {
			return nil, err
		}
	}
	if pkg.Name == "" {
		return nil, fmt.Errorf("header section does not contain a package name")
	}
	return pkg, nil
}

//IsSource returns whether this is a source RPM. Binary RPMs always reference
//the source RPM that they were built from.
func (p *Package) IsSource() bool {
	return p.lead.Type == 1 || p.SourceRPM == ""
}

//FullName returns the "name-version-release.arch" string of this package.
func (p *Package) FullName() string {
	return fmt.Sprintf("%s-%s-%s.%s", p.Name, p.Version, p.Release, p.Arch)
}

//Requires returns the names of all capabilities required by this package,
//without the "rpmlib(...)" pseudo-dependencies.
func (p *Package) Requires() ([]string, error) {
	names, err := p.Header.StringArray(TagRequireName)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, "rpmlib(") {
			result = append(result, name)
		}
	}
	return result, nil
}

//Files returns the absolute paths of all files in this package, in the order
//in which they appear in the header.
func (p *Package) Files() ([]string, error) {
	entries, err := p.Entries()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(entries))
	for idx, entry := range entries {
		paths[idx] = entry.Path
	}
	return paths, nil
}

//Entries returns the file manifest of this package, including file types.
func (p *Package) Entries() ([]Entry, error) {
	h := p.Header
	var paths []string

	if h.Has(TagBasenames) {
		basenames, err := h.StringArray(TagBasenames)
		if err != nil {
			return nil, err
		}
		dirnames, err := h.StringArray(TagDirNames)
		if err != nil {
			return nil, err
		}
		dirIndexes, err := h.Int32Array(TagDirIndexes)
		if err != nil {
			return nil, err
		}
		if len(dirIndexes) != len(basenames) {
			return nil, fmt.Errorf("%s: %d basenames, but %d directory indexes", p.Name, len(basenames), len(dirIndexes))
		}
		paths = make([]string, len(basenames))
		for idx, basename := range basenames {
			dirIdx := int(dirIndexes[idx])
			if dirIdx < 0 || dirIdx >= len(dirnames) {
				return nil, fmt.Errorf("%s: directory index %d out of range", p.Name, dirIdx)
			}
			paths[idx] = dirnames[dirIdx] + basename
		}
	} else {
		var err error
		paths, err = h.StringArray(TagOldFileNames)
		if err != nil {
			return nil, err
		}
	}

	modes, err := h.Int16Array(TagFileModes)
	if err != nil {
		return nil, err
	}
	linktos, err := h.StringArray(TagFileLinktos)
	if err != nil {
		return nil, err
	}
	flags, err := h.Int32Array(TagFileFlags)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(paths))
	for idx, filePath := range paths {
		entries[idx].Path = path.Clean("/" + filePath)
		if idx < len(modes) {
			entries[idx].Mode = unixModeToFileMode(uint32(modes[idx]))
		}
		if idx < len(linktos) {
			entries[idx].LinkTarget = linktos[idx]
		}
		if idx < len(flags) {
			entries[idx].Ghost = flags[idx]&fileFlagGhost != 0
		}
	}
	return entries, nil
}

//unixModeToFileMode converts a st_mode value (as stored in RPM headers and CPIO
//archives) into an os.FileMode.
func unixModeToFileMode(mode uint32) os.FileMode {
	result := os.FileMode(mode & 0777)
	if mode&04000 != 0 {
		result |= os.ModeSetuid
	}
	if mode&02000 != 0 {
		result |= os.ModeSetgid
	}
	if mode&01000 != 0 {
		result |= os.ModeSticky
	}
	switch mode & 0170000 {
	case 0040000:
		result |= os.ModeDir
	case 0120000:
		result |= os.ModeSymlink
	case 0020000:
		result |= os.ModeDevice | os.ModeCharDevice
	case 0060000:
		result |= os.ModeDevice
	case 0010000:
		result |= os.ModeNamedPipe
	case 0140000:
		result |= os.ModeSocket
	}
	return result
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	c.n += int64(n)
	return n, err
}

//TrimExtension removes a trailing ".rpm" from a file name.
func TrimExtension(fileName string) string {
	return strings.TrimSuffix(fileName, ".rpm")
}
