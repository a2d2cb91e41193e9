// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nifti reads and writes 3D medical volumes in the NIfTI-1 format (".nii", ".nii.gz" and
// ".hdr"/".img" pairs), and reads the older Analyze 7.5 pairs it descends from.
//
// Only the first volume of 4D files is read. Voxel values are always returned as float32, after
// applying the scaling (scl_slope, scl_inter) stored in the header.
package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

func errorf(format string, args ...any) error {
	return errors.Errorf("nifti: "+format, args...)
}

// Image is a 3D volume read from a NIfTI file.
//
// Data is stored in file order: x is the fastest changing axis, followed by y and then z.
type Image struct {
	Header *Header

	// Dims of the volume (x, y, z).
	Dims [3]int

	// PixDim is the size of the voxels in each axis.
	PixDim [3]float32

	// Affine maps voxel indices to world coordinates.
	Affine [4][4]float64

	Data []float32
}

// NumVoxels in the volume.
func (img *Image) NumVoxels() int {
	return img.Dims[0] * img.Dims[1] * img.Dims[2]
}

// Index of the voxel (x, y, z) in Data.
func (img *Image) Index(x, y, z int) int {
	return x + img.Dims[0]*(y+img.Dims[1]*z)
}

// At returns the value of voxel (x, y, z).
func (img *Image) At(x, y, z int) float32 {
	return img.Data[img.Index(x, y, z)]
}

// openMaybeGzip opens filePath, decompressing it on the fly if the name ends in ".gz".
func openMaybeGzip(filePath string) (io.ReadCloser, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "nifti: failed to open %q", filePath)
	}
	if !strings.HasSuffix(filePath, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "nifti: failed to decompress %q", filePath)
	}
	return &gzipFile{Reader: gz, file: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if fErr := g.file.Close(); err == nil {
		err = fErr
	}
	return err
}

// pairDataPath returns the ".img" (or ".img.gz") file for a ".hdr" header file.
func pairDataPath(hdrPath string) (string, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(hdrPath, ".gz"), ".hdr")
	for _, candidate := range []string{base + ".img", base + ".img.gz"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errorf("no .img data file found for header %q", hdrPath)
}

// Read the volume in filePath. Files ending in ".hdr" (optionally ".hdr.gz") are read as header/data pairs,
// anything else as a single file NIfTI, gzip compressed if it ends in ".gz".
func Read(filePath string) (*Image, error) {
	r, err := openMaybeGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	if !strings.HasSuffix(strings.TrimSuffix(filePath, ".gz"), ".hdr") {
		img, err := ReadFrom(r)
		return img, errors.WithMessagef(err, "reading %q", filePath)
	}

	header, order, err := readHeader(r)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading header %q", filePath)
	}
	dataPath, err := pairDataPath(filePath)
	if err != nil {
		return nil, err
	}
	dataReader, err := openMaybeGzip(dataPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dataReader.Close() }()
	if header.IsNIfTI() && header.VoxOffset > 0 {
		if _, err := io.CopyN(io.Discard, dataReader, int64(header.VoxOffset)); err != nil {
			return nil, errors.Wrapf(err, "nifti: skipping to vox_offset in %q", dataPath)
		}
	}
	img, err := readData(dataReader, header, order)
	return img, errors.WithMessagef(err, "reading data %q", dataPath)
}

// ReadFrom reads a single file NIfTI-1 (header followed by data at vox_offset) from r.
func ReadFrom(r io.Reader) (*Image, error) {
	header, order, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if !header.IsSingleFile() {
		return nil, errorf("header magic %q is not a single file NIfTI-1", header.Magic[:3])
	}
	offset := int64(header.VoxOffset)
	if offset < HeaderSize {
		offset = HeaderSize
	}
	if _, err := io.CopyN(io.Discard, r, offset-HeaderSize); err != nil {
		return nil, errors.Wrap(err, "nifti: skipping extensions")
	}
	return readData(r, header, order)
}

func readHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, errors.Wrap(err, "nifti: reading header")
	}
	return decodeHeader(raw)
}

func readData(r io.Reader, h *Header, order binary.ByteOrder) (*Image, error) {
	rank := int(h.Dim[0])
	if rank < 1 || rank > 7 {
		return nil, errorf("invalid number of dimensions %d", rank)
	}
	img := &Image{Header: h, Affine: h.Affine()}
	for axis := range 3 {
		img.Dims[axis] = 1
		img.PixDim[axis] = float32(voxelSize(h.Pixdim[axis+1]))
		if axis < rank {
			img.Dims[axis] = int(h.Dim[axis+1])
		}
		if img.Dims[axis] <= 0 {
			return nil, errorf("invalid dimension %d for axis %d", img.Dims[axis], axis)
		}
	}
	if h.Datatype.BitsPerVoxel() == 0 {
		return nil, errorf("unsupported datatype %d", h.Datatype)
	}

	n := img.NumVoxels()
	br := bufio.NewReader(r)
	var err error
	switch h.Datatype {
	case Uint8:
		img.Data, err = readAs[uint8](br, order, n)
	case Int8:
		img.Data, err = readAs[int8](br, order, n)
	case Int16:
		img.Data, err = readAs[int16](br, order, n)
	case Uint16:
		img.Data, err = readAs[uint16](br, order, n)
	case Int32:
		img.Data, err = readAs[int32](br, order, n)
	case Uint32:
		img.Data, err = readAs[uint32](br, order, n)
	case Float32:
		img.Data, err = readAs[float32](br, order, n)
	case Float64:
		img.Data, err = readAs[float64](br, order, n)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "nifti: reading %d voxels of datatype %d", n, h.Datatype)
	}

	// Scaling is only defined for NIfTI: Analyze uses those bytes for other purposes.
	if h.IsNIfTI() && h.SclSlope != 0 && (h.SclSlope != 1 || h.SclInter != 0) {
		slope, inter := h.SclSlope, h.SclInter
		for ii, v := range img.Data {
			img.Data[ii] = v*slope + inter
		}
	}
	return img, nil
}

type number interface {
	constraints.Integer | constraints.Float
}

func readAs[T number](r io.Reader, order binary.ByteOrder, n int) ([]float32, error) {
	raw := make([]T, n)
	if err := binary.Read(r, order, raw); err != nil {
		return nil, err
	}
	values := make([]float32, n)
	for ii, v := range raw {
		values[ii] = float32(v)
	}
	return values, nil
}
