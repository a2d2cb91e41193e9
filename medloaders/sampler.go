// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package medloaders

import (
	"math/rand/v2"
)

const (
	// DefaultForegroundThreshold is the minimum fraction of non-background labels a patch needs
	// to be accepted by the Sampler.
	DefaultForegroundThreshold = 0.1

	// DefaultMaxTries is the number of crops the Sampler tries before settling for the best one.
	DefaultMaxTries = 50
)

// Patch is a crop of a subject, laid out the way the model consumes it.
//
// Inputs are shaped [x, y, z, modalities] and Labels [x, y, z], both row-major: the
// modalities (respectively z) axis changes fastest.
type Patch struct {
	SubjectID string
	Origin    [3]int
	Dims      [3]int

	NumModalities int
	Inputs        []float32
	Labels        []int32
}

// Foreground returns the fraction of the patch voxels labeled with a class other than background (0).
func (p *Patch) Foreground() float64 {
	if len(p.Labels) == 0 {
		return 0
	}
	count := 0
	for _, label := range p.Labels {
		if label != 0 {
			count++
		}
	}
	return float64(count) / float64(len(p.Labels))
}

// ExtractPatch crops from subject the patch of size dims starting at origin. Voxels outside the
// subject volume (origin can be negative, or the patch larger than the volume) are zero padded,
// both for inputs and labels.
func ExtractPatch(subject *Subject, origin, dims [3]int) *Patch {
	numModalities := len(subject.Modalities)
	numVoxels := dims[0] * dims[1] * dims[2]
	p := &Patch{
		SubjectID:     subject.ID,
		Origin:        origin,
		Dims:          dims,
		NumModalities: numModalities,
		Inputs:        make([]float32, numVoxels*numModalities),
		Labels:        make([]int32, numVoxels),
	}
	for px := range dims[0] {
		x := origin[0] + px
		if x < 0 || x >= subject.Dims[0] {
			continue
		}
		for py := range dims[1] {
			y := origin[1] + py
			if y < 0 || y >= subject.Dims[1] {
				continue
			}
			for pz := range dims[2] {
				z := origin[2] + pz
				if z < 0 || z >= subject.Dims[2] {
					continue
				}
				src := subject.Index(x, y, z)
				dst := (px*dims[1]+py)*dims[2] + pz
				p.Labels[dst] = subject.Labels[src]
				for m, modality := range subject.Modalities {
					p.Inputs[dst*numModalities+m] = modality[src]
				}
			}
		}
	}
	return p
}

// Sampler draws random patches from subjects.
//
// It is not safe for concurrent use.
type Sampler struct {
	dims      [3]int
	threshold float64
	maxTries  int
	rng       *rand.Rand
}

// NewSampler creates a Sampler of patches of size dims, with random numbers from rng.
func NewSampler(dims [3]int, rng *rand.Rand) *Sampler {
	return &Sampler{
		dims:      dims,
		threshold: DefaultForegroundThreshold,
		maxTries:  DefaultMaxTries,
		rng:       rng,
	}
}

// WithThreshold sets the minimum foreground fraction of the accepted patches. 0 accepts any patch.
func (s *Sampler) WithThreshold(threshold float64) *Sampler {
	s.threshold = threshold
	return s
}

// WithMaxTries sets the number of crops tried before returning the one with most foreground.
func (s *Sampler) WithMaxTries(maxTries int) *Sampler {
	s.maxTries = max(maxTries, 1)
	return s
}

// randomOrigin returns an origin such that the patch fits in the volume along the axes
// where it can. Along axes where the volume is smaller than the patch, the volume is placed at
// the start of the patch and the remainder is padded.
func (s *Sampler) randomOrigin(subject *Subject) (origin [3]int) {
	for axis := range 3 {
		slack := subject.Dims[axis] - s.dims[axis]
		if slack > 0 {
			origin[axis] = s.rng.IntN(slack + 1)
		}
	}
	return
}

// Sample crops a random patch from subject, retrying until the foreground fraction reaches the
// threshold. If no crop reaches it after maxTries, the one with the largest foreground is returned.
func (s *Sampler) Sample(subject *Subject) *Patch {
	var best *Patch
	bestForeground := -1.0
	for range s.maxTries {
		p := ExtractPatch(subject, s.randomOrigin(subject), s.dims)
		foreground := p.Foreground()
		if foreground >= s.threshold {
			return p
		}
		if foreground > bestForeground {
			best, bestForeground = p, foreground
		}
	}
	return best
}

// SampleN draws n patches, each from a subject chosen uniformly at random.
func (s *Sampler) SampleN(subjects []*Subject, n int) []*Patch {
	patches := make([]*Patch, n)
	for ii := range patches {
		patches[ii] = s.Sample(subjects[s.rng.IntN(len(subjects))])
	}
	return patches
}
