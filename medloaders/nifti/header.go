// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nifti

import (
	"bytes"
	"encoding/binary"
	"math"
)

// HeaderSize is the size of the NIfTI-1 (and Analyze 7.5) header in bytes.
const HeaderSize = 348

// DataType of the voxels, as encoded in the header field "datatype".
type DataType int16

const (
	Uint8   DataType = 2
	Int16   DataType = 4
	Int32   DataType = 8
	Float32 DataType = 16
	Float64 DataType = 64
	Int8    DataType = 256
	Uint16  DataType = 512
	Uint32  DataType = 768
)

// BitsPerVoxel returns the size of the data type in bits, or 0 if the data type is not supported.
func (dt DataType) BitsPerVoxel() int {
	switch dt {
	case Uint8, Int8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Float64:
		return 64
	}
	return 0
}

// Header is the binary layout of the NIfTI-1 header. Analyze 7.5 headers share the same size and
// the fields used here, except that they have no magic and no qform/sform.
type Header struct {
	SizeofHdr     int32
	DataTypeName  [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      DataType
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QFormCode     int16
	SFormCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SRowX         [4]float32
	SRowY         [4]float32
	SRowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

// IsNIfTI returns whether the header carries a NIfTI-1 magic, as opposed to being a plain Analyze header.
func (h *Header) IsNIfTI() bool {
	return h.Magic == magicSingle || h.Magic == magicPair
}

// IsSingleFile returns whether header and data live in the same file (".nii").
func (h *Header) IsSingleFile() bool {
	return h.Magic == magicSingle
}

// Description returns the free text description stored in the header.
func (h *Header) Description() string {
	return string(bytes.TrimRight(h.Descrip[:], "\x00"))
}

// decodeHeader reads the header from its raw bytes, detecting the byte order from SizeofHdr.
func decodeHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < HeaderSize {
		return nil, nil, errorf("header has %d bytes, wanted %d", len(raw), HeaderSize)
	}
	var order binary.ByteOrder = binary.LittleEndian
	switch {
	case binary.LittleEndian.Uint32(raw) == HeaderSize:
	case binary.BigEndian.Uint32(raw) == HeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, errorf("invalid sizeof_hdr %d: not a NIfTI-1/Analyze header",
			int32(binary.LittleEndian.Uint32(raw)))
	}
	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw[:HeaderSize]), order, h); err != nil {
		return nil, nil, errorf("decoding header: %v", err)
	}
	return h, order, nil
}

// Affine returns the voxel to world transformation. It uses the sform if set, otherwise the
// qform if set, otherwise a diagonal matrix built from the voxel sizes.
func (h *Header) Affine() (affine [4][4]float64) {
	affine[3][3] = 1
	if h.IsNIfTI() && h.SFormCode > 0 {
		for col := range 4 {
			affine[0][col] = float64(h.SRowX[col])
			affine[1][col] = float64(h.SRowY[col])
			affine[2][col] = float64(h.SRowZ[col])
		}
		return
	}
	dx, dy, dz := voxelSize(h.Pixdim[1]), voxelSize(h.Pixdim[2]), voxelSize(h.Pixdim[3])
	if h.IsNIfTI() && h.QFormCode > 0 {
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1.0 - (b*b + c*c + d*d)
		if a < 1e-7 {
			// Special case, 180 degrees rotation: normalize (b, c, d).
			norm := 1.0 / math.Sqrt(b*b+c*c+d*d)
			b, c, d = b*norm, c*norm, d*norm
			a = 0
		} else {
			a = math.Sqrt(a)
		}
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1.0
		}
		rot := [3][3]float64{
			{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
			{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
			{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
		}
		scale := [3]float64{dx, dy, qfac * dz}
		for row := range 3 {
			for col := range 3 {
				affine[row][col] = rot[row][col] * scale[col]
			}
		}
		affine[0][3] = float64(h.QOffsetX)
		affine[1][3] = float64(h.QOffsetY)
		affine[2][3] = float64(h.QOffsetZ)
		return
	}
	affine[0][0], affine[1][1], affine[2][2] = dx, dy, dz
	return
}

func voxelSize(v float32) float64 {
	if v <= 0 {
		return 1
	}
	return float64(v)
}
