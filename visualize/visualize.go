// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package visualize predicts the labels of a whole volume with a trained model, and saves the
// prediction as a NIfTI label volume and as a PNG with the middle axial slice of the ground truth
// next to the prediction.
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/brainseg/medloaders"
	"github.com/gomlx/brainseg/medloaders/nifti"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Palette of the classes in the slice images. Classes beyond its length wrap around, skipping the background.
var Palette = []color.NRGBA{
	{0, 0, 0, 255},       // Background.
	{230, 25, 75, 255},   // Red.
	{60, 180, 75, 255},   // Green.
	{255, 225, 25, 255},  // Yellow.
	{0, 130, 200, 255},   // Blue.
	{245, 130, 48, 255},  // Orange.
	{145, 30, 180, 255},  // Purple.
	{70, 240, 240, 255},  // Cyan.
	{240, 50, 230, 255},  // Magenta.
	{210, 245, 60, 255},  // Lime.
	{250, 190, 212, 255}, // Pink.
}

// SliceScale is the upscaling factor (nearest neighbor) of the slice images.
const SliceScale = 4

// Predictor predicts full volumes window by window.
type Predictor struct {
	crop  [3]int
	dtype dtypes.DType
	exec  *context.Exec
}

// NewPredictor creates a Predictor running modelFn, with the variables in ctx, over windows of size crop.
// The inputs are fed with dtype.
func NewPredictor(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, crop [3]int, dtype dtypes.DType) *Predictor {
	exec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs *Node) *Node {
		logits := modelFn(ctx, nil, []*Node{inputs})[0]
		return ArgMax(logits, -1, dtypes.Int32)
	})
	return &Predictor{crop: crop, dtype: dtype, exec: exec}
}

// Windows returns the origins of the windows of size crop tiling a volume of dimensions dims.
// The last window of each axis is zero padded past the volume.
func Windows(dims, crop [3]int) (origins [][3]int) {
	for x := 0; x < dims[0]; x += crop[0] {
		for y := 0; y < dims[1]; y += crop[1] {
			for z := 0; z < dims[2]; z += crop[2] {
				origins = append(origins, [3]int{x, y, z})
			}
		}
	}
	return
}

// Predict returns the predicted label of each voxel of subject, in the layout of subject.Labels.
func (p *Predictor) Predict(subject *medloaders.Subject) ([]int32, error) {
	prediction := make([]int32, subject.NumVoxels())
	crop := p.crop
	for _, origin := range Windows(subject.Dims, crop) {
		patch := medloaders.ExtractPatch(subject, origin, crop)
		inputs, _ := medloaders.BatchTensors([]*medloaders.Patch{patch}, p.dtype)
		var output *tensors.Tensor
		err := exceptions.TryCatch[error](func() { output = p.exec.Call(inputs)[0] })
		if err != nil {
			return nil, errors.WithMessagef(err, "predicting window at %v of subject %q", origin, subject.ID)
		}
		windowLabels := tensors.CopyFlatData[int32](output)
		for px := range crop[0] {
			x := origin[0] + px
			if x >= subject.Dims[0] {
				break
			}
			for py := range crop[1] {
				y := origin[1] + py
				if y >= subject.Dims[1] {
					break
				}
				for pz := range crop[2] {
					z := origin[2] + pz
					if z >= subject.Dims[2] {
						break
					}
					prediction[subject.Index(x, y, z)] = windowLabels[(px*crop[1]+py)*crop[2]+pz]
				}
			}
		}
	}
	return prediction, nil
}

// PredictionFileName and SliceFileName are the files written by Save in the run directory.
func PredictionFileName(epoch int) string { return fmt.Sprintf("epoch_%d_prediction.nii.gz", epoch) }

// SliceFileName is the PNG with the ground truth and the prediction side by side.
func SliceFileName(epoch int) string { return fmt.Sprintf("epoch_%d_slice.png", epoch) }

// Save writes the prediction of subject at epoch into dir: as a NIfTI label volume with the
// affine of the subject, and the middle axial slice image.
func Save(dir string, epoch int, subject *medloaders.Subject, prediction []int32) error {
	if len(prediction) != subject.NumVoxels() {
		return errors.Errorf("prediction has %d voxels, subject %q has %d", len(prediction), subject.ID, subject.NumVoxels())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating visualization directory %q", dir)
	}
	volume := make([]float32, len(prediction))
	for ii, label := range prediction {
		volume[ii] = float32(label)
	}
	niftiPath := filepath.Join(dir, PredictionFileName(epoch))
	err := nifti.Write(niftiPath, subject.Dims, VoxelSizes(subject.Affine), subject.Affine, nifti.Uint8, volume)
	if err != nil {
		return errors.WithMessagef(err, "saving prediction of epoch %d", epoch)
	}

	z := subject.Dims[2] / 2
	truth := SliceImage(subject, subject.Labels, z)
	predicted := SliceImage(subject, prediction, z)
	const gap = 2
	width, height := truth.Bounds().Dx(), truth.Bounds().Dy()
	img := imaging.New(2*width+gap, height, color.NRGBA{255, 255, 255, 255})
	img = imaging.Paste(img, truth, image.Pt(0, 0))
	img = imaging.Paste(img, predicted, image.Pt(width+gap, 0))
	img = imaging.Resize(img, img.Bounds().Dx()*SliceScale, img.Bounds().Dy()*SliceScale, imaging.NearestNeighbor)
	slicePath := filepath.Join(dir, SliceFileName(epoch))
	if err = imaging.Save(img, slicePath); err != nil {
		return errors.Wrapf(err, "saving slice image %q", slicePath)
	}
	klog.V(1).Infof("epoch %d: saved prediction of subject %q to %q", epoch, subject.ID, dir)
	return nil
}

// Visualize predicts the full volume and saves it with Save.
func (p *Predictor) Visualize(dir string, epoch int, full *medloaders.FullVolume) error {
	prediction, err := p.Predict(full.Subject)
	if err != nil {
		return err
	}
	return Save(dir, epoch, full.Subject, prediction)
}

// SliceImage draws the labels of the axial slice z, with the y axis pointing up.
func SliceImage(subject *medloaders.Subject, labels []int32, z int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, subject.Dims[0], subject.Dims[1]))
	for y := range subject.Dims[1] {
		for x := range subject.Dims[0] {
			img.SetNRGBA(x, subject.Dims[1]-1-y, ClassColor(labels[subject.Index(x, y, z)]))
		}
	}
	return img
}

// ClassColor returns the color of a class in Palette.
func ClassColor(class int32) color.NRGBA {
	if class <= 0 {
		return Palette[0]
	}
	return Palette[1+int(class-1)%(len(Palette)-1)]
}

// VoxelSizes returns the size of the voxels along each axis, the norms of the affine columns.
func VoxelSizes(affine [4][4]float64) (sizes [3]float32) {
	for axis := range 3 {
		var sum float64
		for row := range 3 {
			sum += affine[row][axis] * affine[row][axis]
		}
		sizes[axis] = float32(math.Sqrt(sum))
		if sizes[axis] == 0 {
			sizes[axis] = 1
		}
	}
	return
}
