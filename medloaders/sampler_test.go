// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medloaders

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSubject creates a subject whose modality m holds the value 1000*m + flat index of each
// voxel, and whose labels are 1 inside the box [lo, hi) and 0 elsewhere.
func newTestSubject(id string, dims [3]int, numModalities int, lo, hi [3]int) *Subject {
	s := &Subject{ID: id, Dims: dims}
	s.Affine[0][0], s.Affine[1][1], s.Affine[2][2], s.Affine[3][3] = 1, 1, 1, 1
	n := s.NumVoxels()
	for m := range numModalities {
		modality := make([]float32, n)
		for ii := range modality {
			modality[ii] = float32(1000*m + ii)
		}
		s.Modalities = append(s.Modalities, modality)
	}
	s.Labels = make([]int32, n)
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[0]; x < hi[0]; x++ {
				s.Labels[s.Index(x, y, z)] = 1
			}
		}
	}
	return s
}

func TestNormalizeZScore(t *testing.T) {
	data := []float32{0, 2, 4, 0, 6, 8}
	NormalizeZScore(data)
	// Background stays at zero.
	assert.Equal(t, float32(0), data[0])
	assert.Equal(t, float32(0), data[3])
	var sum, sumSq float64
	for _, v := range []float32{data[1], data[2], data[4], data[5]} {
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	assert.InDelta(t, 0.0, sum/4, 1e-6)
	assert.InDelta(t, 1.0, math.Sqrt(sumSq/4), 1e-6)

	constant := []float32{0, 3, 3}
	NormalizeZScore(constant)
	assert.Equal(t, []float32{0, 0, 0}, constant)

	empty := []float32{0, 0}
	NormalizeZScore(empty)
	assert.Equal(t, []float32{0, 0}, empty)
}

func TestSplitFold(t *testing.T) {
	subjects := []string{"1", "4", "5", "7", "14", "070", "148"}
	train, val, err := SplitFold(subjects, "5")
	require.NoError(t, err)
	assert.Equal(t, "5", val)
	assert.Equal(t, []string{"1", "4", "7", "14", "070", "148"}, train)

	train, val, err = SplitFold(subjects, "70")
	require.NoError(t, err)
	assert.Equal(t, "070", val)
	assert.Len(t, train, 6)

	_, _, err = SplitFold(subjects, "2")
	require.Error(t, err)
	_, _, err = SplitFold([]string{"1"}, "1")
	require.Error(t, err)
}

func TestExtractPatch(t *testing.T) {
	s := newTestSubject("s", [3]int{4, 3, 2}, 2, [3]int{1, 1, 1}, [3]int{2, 2, 2})
	p := ExtractPatch(s, [3]int{1, 1, 1}, [3]int{4, 2, 1})
	assert.Equal(t, [3]int{4, 2, 1}, p.Dims)
	require.Len(t, p.Inputs, 4*2*1*2)
	require.Len(t, p.Labels, 4*2*1)

	// Patch voxel (0,0,0) is subject voxel (1,1,1).
	src := s.Index(1, 1, 1)
	assert.Equal(t, float32(src), p.Inputs[0])
	assert.Equal(t, float32(1000+src), p.Inputs[1])
	assert.Equal(t, int32(1), p.Labels[0])

	// Patch voxel (1,1,0) is subject voxel (2,2,1): row-major [x, y, z, modalities].
	dst := (1*2 + 1) * 1
	assert.Equal(t, float32(s.Index(2, 2, 1)), p.Inputs[dst*2])

	// Patch voxels with x >= 3 fall outside the subject and are padded.
	for py := range 2 {
		dst := (3*2 + py) * 1
		assert.Equal(t, float32(0), p.Inputs[dst*2])
		assert.Equal(t, float32(0), p.Inputs[dst*2+1])
		assert.Equal(t, int32(0), p.Labels[dst])
	}
	assert.InDelta(t, 1.0/8.0, p.Foreground(), 1e-9)

	// Negative origins are padded too.
	p = ExtractPatch(s, [3]int{-1, 1, 1}, [3]int{2, 1, 1})
	assert.Equal(t, float32(0), p.Inputs[0])
	assert.Equal(t, float32(s.Index(0, 1, 1)), p.Inputs[2])
}

func TestSampler(t *testing.T) {
	dims := [3]int{32, 32, 16}
	s := newTestSubject("s", dims, 1, [3]int{0, 0, 0}, [3]int{12, 12, 16})
	crop := [3]int{16, 16, 16}

	sampler := NewSampler(crop, rand.New(rand.NewPCG(42, 0)))
	for range 20 {
		p := sampler.Sample(s)
		assert.Equal(t, crop, p.Dims)
		assert.GreaterOrEqual(t, p.Foreground(), DefaultForegroundThreshold)
		for axis := range 3 {
			assert.GreaterOrEqual(t, p.Origin[axis], 0)
			assert.LessOrEqual(t, p.Origin[axis]+crop[axis], dims[axis])
		}
	}

	// An impossible threshold returns the best patch found instead.
	sampler = NewSampler(crop, rand.New(rand.NewPCG(42, 0))).WithThreshold(1.1).WithMaxTries(30)
	p := sampler.Sample(s)
	require.NotNil(t, p)
	assert.Greater(t, p.Foreground(), 0.0)

	// Volumes smaller than the crop are padded.
	small := newTestSubject("small", [3]int{8, 8, 8}, 1, [3]int{0, 0, 0}, [3]int{8, 8, 8})
	p = NewSampler(crop, rand.New(rand.NewPCG(1, 0))).Sample(small)
	assert.Equal(t, [3]int{0, 0, 0}, p.Origin)
	assert.InDelta(t, 512.0/4096.0, p.Foreground(), 1e-9)

	patches := NewSampler(crop, rand.New(rand.NewPCG(7, 0))).SampleN([]*Subject{s, small}, 10)
	require.Len(t, patches, 10)
	for _, p := range patches {
		assert.Contains(t, []string{"s", "small"}, p.SubjectID)
	}
}
