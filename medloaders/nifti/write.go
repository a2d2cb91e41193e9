// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// singleFileVoxOffset is where data starts in the files written: the header plus the 4 bytes
// extension flag (all zeros: no extensions).
const singleFileVoxOffset = HeaderSize + 4

// NewHeader creates a single file NIfTI-1 header for a volume of the given dimensions, voxel sizes and
// data type. The affine is stored as the sform.
func NewHeader(dims [3]int, pixDim [3]float32, affine [4][4]float64, dtype DataType) *Header {
	h := &Header{
		SizeofHdr: HeaderSize,
		Regular:   'r',
		Datatype:  dtype,
		Bitpix:    int16(dtype.BitsPerVoxel()),
		VoxOffset: singleFileVoxOffset,
		SclSlope:  1,
		SFormCode: 1,
		QFormCode: 0,
		XYZTUnits: 2, // Millimeters.
		Magic:     magicSingle,
	}
	h.Dim[0] = 3
	h.Pixdim[0] = 1
	for axis := range 3 {
		h.Dim[axis+1] = int16(dims[axis])
		h.Pixdim[axis+1] = pixDim[axis]
	}
	for axis := 4; axis < 8; axis++ {
		h.Dim[axis] = 1
	}
	for col := range 4 {
		h.SRowX[col] = float32(affine[0][col])
		h.SRowY[col] = float32(affine[1][col])
		h.SRowZ[col] = float32(affine[2][col])
	}
	copy(h.Descrip[:], "brainseg")
	return h
}

// Write saves the volume in filePath as a single file NIfTI-1, with voxels converted to dtype.
// If filePath ends in ".gz" the file is gzip compressed.
//
// Values are rounded when dtype is an integer type, and clipped to its range.
func Write(filePath string, dims [3]int, pixDim [3]float32, affine [4][4]float64, dtype DataType, data []float32) (err error) {
	n := dims[0] * dims[1] * dims[2]
	if len(data) != n {
		return errorf("volume dimensions %v require %d voxels, got %d", dims, n, len(data))
	}
	switch dtype {
	case Uint8, Int16, Int32, Float32:
	default:
		return errorf("writing datatype %d is not supported", dtype)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "nifti: creating %q", filePath)
	}
	defer func() {
		if cErr := f.Close(); err == nil && cErr != nil {
			err = errors.Wrapf(cErr, "nifti: closing %q", filePath)
		}
	}()
	buffered := bufio.NewWriter(f)
	var w io.Writer = buffered
	var gz *gzip.Writer
	if strings.HasSuffix(filePath, ".gz") {
		gz = gzip.NewWriter(buffered)
		w = gz
	}
	if err = WriteTo(w, NewHeader(dims, pixDim, affine, dtype), data); err != nil {
		return errors.WithMessagef(err, "writing %q", filePath)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return errors.Wrapf(err, "nifti: compressing %q", filePath)
		}
	}
	return errors.Wrapf(buffered.Flush(), "nifti: flushing %q", filePath)
}

// WriteTo writes header, the empty extension flag and data (converted to header.Datatype) in little endian.
func WriteTo(w io.Writer, header *Header, data []float32) error {
	order := binary.LittleEndian
	if err := binary.Write(w, order, header); err != nil {
		return errors.Wrap(err, "nifti: writing header")
	}
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return errors.Wrap(err, "nifti: writing extension flag")
	}
	var err error
	switch header.Datatype {
	case Uint8:
		err = binary.Write(w, order, convertClipped[uint8](data, 0, math.MaxUint8))
	case Int16:
		err = binary.Write(w, order, convertClipped[int16](data, math.MinInt16, math.MaxInt16))
	case Int32:
		err = binary.Write(w, order, convertClipped[int32](data, math.MinInt32, math.MaxInt32))
	case Float32:
		err = binary.Write(w, order, data)
	default:
		return errorf("writing datatype %d is not supported", header.Datatype)
	}
	return errors.Wrap(err, "nifti: writing voxels")
}

func convertClipped[T number](data []float32, low, high float64) []T {
	values := make([]T, len(data))
	for ii, v := range data {
		rounded := math.Round(float64(v))
		values[ii] = T(max(low, min(high, rounded)))
	}
	return values
}
