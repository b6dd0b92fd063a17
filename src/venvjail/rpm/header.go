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
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

////////////////////////////////////////////////////////////////////////////////
//
// Documentation for the RPM file format:
//
// [LSB] http://refspecs.linux-foundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/pkgformat.html
// [RPM] http://www.rpm.org/max-rpm/s1-rpm-file-format-rpm-file-format.html
//
////////////////////////////////////////////////////////////////////////////////

//List of known values for IndexEntry.Type. [LSB,25.2.2.2.1]
const (
	TypeNull        = 0
	TypeChar        = 1
	TypeInt8        = 2
	TypeInt16       = 3
	TypeInt32       = 4
	TypeInt64       = 5
	TypeString      = 6
	TypeBin         = 7
	TypeStringArray = 8
	TypeI18NString  = 9
)

//The subset of header tags that venvjail reads. [LSB, 25.2.2.2.2 ff.]
const (
	TagName          = 1000 //type: STRING
	TagVersion       = 1001 //type: STRING
	TagRelease       = 1002 //type: STRING
	TagEpoch         = 1003 //type: INT32
	TagSummary       = 1004 //type: I18NSTRING
	TagOldFileNames  = 1027 //type: STRING_ARRAY
	TagFileModes     = 1030 //type: INT16
	TagFileLinktos   = 1036 //type: STRING_ARRAY
	TagFileFlags     = 1037 //type: INT32
	TagArch          = 1022 //type: STRING
	TagSourceRPM     = 1044 //type: STRING
	TagRequireName   = 1049 //type: STRING_ARRAY
	TagDirIndexes    = 1116 //type: INT32
	TagBasenames     = 1117 //type: STRING_ARRAY
	TagDirNames      = 1118 //type: STRING_ARRAY
	TagDistURL       = 1123 //type: STRING
	TagPayloadFormat = 1124 //type: STRING
	TagPayloadCoder  = 1125 //type: STRING
)

//sanity limits for header structures; rpm itself refuses headers larger than
//256 MiB
const (
	maxIndexEntries = 1 << 16
	maxDataSize     = 256 << 20
)

var headerMagic = [3]byte{0x8e, 0xad, 0xe8}

//IndexEntry represents an entry in the index of an RPM header.
type IndexEntry struct {
	Tag    uint32 //defines the semantics of the value in this field
	Type   uint32 //data type
	Offset uint32 //relative to the beginning of the store
	Count  uint32 //number of data items in this field
}

//Header is a decoded header structure (as used in the signature section and
//the header section).
type Header struct {
	Entries map[uint32]IndexEntry
	Store   []byte
}

//readHeader decodes a header structure from reader. With readAligned, the
//padding that aligns the next structure to an 8-byte boundary is skipped,
//too (this is the case for the signature section).
func readHeader(reader io.Reader, readAligned bool) (*Header, error) {
	//the header has a header
	var intro struct {
		Magic      [3]byte
		Version    uint8
		Reserved   [4]byte
		EntryCount uint32
		DataSize   uint32 //size of the store
	}
	err := binary.Read(reader, binary.BigEndian, &intro)
	if err != nil {
		return nil, err
	}
	if intro.Magic != headerMagic {
		return nil, fmt.Errorf(
			"did not find RPM header structure at expected position (saw 0x%s instead of 0x8eade8)",
			hex.EncodeToString(intro.Magic[:]),
		)
	}
	if intro.EntryCount > maxIndexEntries || intro.DataSize > maxDataSize {
		return nil, fmt.Errorf("RPM header too large (%d entries, %d bytes of data)", intro.EntryCount, intro.DataSize)
	}

	hdr := &Header{Entries: make(map[uint32]IndexEntry, intro.EntryCount)}
	for idx := uint32(0); idx < intro.EntryCount; idx++ {
		var entry IndexEntry
		err := binary.Read(reader, binary.BigEndian, &entry)
		if err != nil {
			return nil, err
		}
		hdr.Entries[entry.Tag] = entry
	}

	//read the data store into a buffer for random access
	hdr.Store = make([]byte, intro.DataSize)
	_, err = io.ReadFull(reader, hdr.Store)
	if err != nil {
		return nil, err
	}

	if readAligned {
		modulo := intro.DataSize % 8
		if modulo != 0 {
			_, err = io.ReadFull(reader, make([]byte, 8-modulo))
			if err != nil {
				return nil, err
			}
		}
	}
	return hdr, nil
}

//Has returns whether the header contains the given tag.
func (h *Header) Has(tag uint32) bool {
	_, ok := h.Entries[tag]
	return ok
}

func (h *Header) entry(tag uint32, types ...uint32) (IndexEntry, bool, error) {
	entry, ok := h.Entries[tag]
	if !ok {
		return entry, false, nil
	}
	for _, t := range types {
		if entry.Type == t {
			if int(entry.Offset) > len(h.Store) {
				return entry, false, fmt.Errorf("tag %d points outside of the header store", tag)
			}
			return entry, true, nil
		}
	}
	return entry, false, fmt.Errorf("tag %d has unexpected data type %d", tag, entry.Type)
}

//String returns the value of a STRING or I18NSTRING tag (for the latter, the
//first translation is returned). Missing tags yield an empty string.
func (h *Header) String(tag uint32) (string, error) {
	entry, ok, err := h.entry(tag, TypeString, TypeI18NString, TypeStringArray)
	if !ok || err != nil {
		return "", err
	}
	strs, err := h.readStrings(entry.Offset, 1)
	if err != nil {
		return "", fmt.Errorf("tag %d: %s", tag, err.Error())
	}
	return strs[0], nil
}

//StringArray returns the value of a STRING_ARRAY tag.
func (h *Header) StringArray(tag uint32) ([]string, error) {
	entry, ok, err := h.entry(tag, TypeStringArray, TypeString, TypeI18NString)
	if !ok || err != nil {
		return nil, err
	}
	count := entry.Count
	if entry.Type != TypeStringArray {
		count = 1
	}
	strs, err := h.readStrings(entry.Offset, count)
	if err != nil {
		return nil, fmt.Errorf("tag %d: %s", tag, err.Error())
	}
	return strs, nil
}

//Int32Array returns the value of an INT32 tag.
func (h *Header) Int32Array(tag uint32) ([]int32, error) {
	entry, ok, err := h.entry(tag, TypeInt32)
	if !ok || err != nil {
		return nil, err
	}
	if uint64(entry.Count)*4 > uint64(len(h.Store)-int(entry.Offset)) {
		return nil, fmt.Errorf("tag %d: value exceeds the header store", tag)
	}
	values := make([]int32, entry.Count)
	err = binary.Read(bytes.NewReader(h.Store[entry.Offset:]), binary.BigEndian, values)
	if err != nil {
		return nil, fmt.Errorf("tag %d: %s", tag, err.Error())
	}
	return values, nil
}

//Int16Array returns the value of an INT16 tag.
func (h *Header) Int16Array(tag uint32) ([]uint16, error) {
	entry, ok, err := h.entry(tag, TypeInt16)
	if !ok || err != nil {
		return nil, err
	}
	if uint64(entry.Count)*2 > uint64(len(h.Store)-int(entry.Offset)) {
		return nil, fmt.Errorf("tag %d: value exceeds the header store", tag)
	}
	values := make([]uint16, entry.Count)
	err = binary.Read(bytes.NewReader(h.Store[entry.Offset:]), binary.BigEndian, values)
	if err != nil {
		return nil, fmt.Errorf("tag %d: %s", tag, err.Error())
	}
	return values, nil
}

func (h *Header) readStrings(offset, count uint32) ([]string, error) {
	if int(count) > len(h.Store) {
		return nil, fmt.Errorf("implausible string count %d", count)
	}
	result := make([]string, 0, count)
	pos := int(offset)
	for idx := uint32(0); idx < count; idx++ {
		end := bytes.IndexByte(h.Store[pos:], 0)
		if end < 0 {
			return nil, fmt.Errorf("unterminated string at offset %d", pos)
		}
		result = append(result, string(h.Store[pos:pos+end]))
		pos += end + 1
	}
	return result, nil
}
