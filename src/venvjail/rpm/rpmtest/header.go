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
)

const (
	typeInt16       = 3
	typeInt32       = 4
	typeString      = 6
	typeBin         = 7
	typeStringArray = 8
)

const (
	tagHeaderSignatures = 62
	tagHeaderImmutable  = 63
	sigtagSize          = 1000
	sigtagPayloadSize   = 1007
	sigtagSHA1          = 269
	sigtagMD5           = 1004
)

//header is an RPM header structure under construction.
type header struct {
	records []indexRecord
	data    []byte
}

type indexRecord struct {
	Tag    uint32
	Type   uint32
	Offset uint32
	Count  uint32
}

//toBinary serializes the header, including the region tag that rpm expects
//to span the whole header.
func (h *header) toBinary(regionTag uint32) []byte {
	var buf bytes.Buffer

	dataSize := uint32(len(h.data))
	recordCount := uint32(len(h.records))
	binary.Write(&buf, binary.BigEndian, &struct {
		Magic            [4]byte
		Reserved         [4]byte
		IndexRecordCount uint32
		DataSize         uint32
	}{
		Magic:            [4]byte{0x8E, 0xAD, 0xE8, 0x01},
		IndexRecordCount: recordCount + 1,
		DataSize:         dataSize + 16,
	})

	//the region record comes first; its data (at the end of the store) points
	//back to the start of the index with a negative offset
	binary.Write(&buf, binary.BigEndian, &indexRecord{regionTag, typeBin, dataSize, 16})
	for _, ir := range h.records {
		binary.Write(&buf, binary.BigEndian, &ir)
	}
	buf.Write(h.data)
	binary.Write(&buf, binary.BigEndian, &indexRecord{regionTag, typeBin, -(recordCount + 1) * 16, 16})

	return buf.Bytes()
}

func (h *header) align(n int) {
	for len(h.data)%n != 0 {
		h.data = append(h.data, 0x00)
	}
}

func (h *header) addBinary(tag uint32, data []byte) {
	h.records = append(h.records, indexRecord{tag, typeBin, uint32(len(h.data)), uint32(len(data))})
	h.data = append(h.data, data...)
}

func (h *header) addInt32(tag uint32, values []int32) {
	h.align(4)
	h.records = append(h.records, indexRecord{tag, typeInt32, uint32(len(h.data)), uint32(len(values))})
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, values)
	h.data = append(h.data, buf.Bytes()...)
}

func (h *header) addInt16(tag uint32, values []uint16) {
	h.align(2)
	h.records = append(h.records, indexRecord{tag, typeInt16, uint32(len(h.data)), uint32(len(values))})
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, values)
	h.data = append(h.data, buf.Bytes()...)
}

func (h *header) addString(tag uint32, value string) {
	h.records = append(h.records, indexRecord{tag, typeString, uint32(len(h.data)), 1})
	h.data = append(append(h.data, value...), 0x00)
}

func (h *header) addStringArray(tag uint32, values []string) {
	h.records = append(h.records, indexRecord{tag, typeStringArray, uint32(len(h.data)), uint32(len(values))})
	for _, str := range values {
		h.data = append(append(h.data, str...), 0x00)
	}
}
