// Package imageio loads content and style images from disk into tensors, and saves stylized
// samples back as PNG files.
//
// Image tensors are float32, channels last (RGB), with pixel values from 0 to 255.
package imageio

import (
	"context"
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"image"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/webp"
	_ "image/jpeg"
)

// Extensions of the image files recognized by ListImages.
var Extensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// ListImages returns the sorted paths of all image files (see Extensions) under dir, recursively.
func ListImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if slices.Contains(Extensions, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	slices.Sort(paths)
	return paths, nil
}

// Load decodes the image file and resizes it to exactly height x width pixels.
// If height or width is 0, the image keeps its original size.
func Load(path string, height, width int) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image")
	}
	defer func() { _ = f.Close() }()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	bounds := src.Bounds()
	if height == 0 || width == 0 {
		dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
		return dst, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return dst, nil
}

// copyPixels copies the RGB values of img into flat, shaped [height, width, 3].
func copyPixels(flat []float32, img *image.RGBA) {
	bounds := img.Bounds()
	idx := 0
	for y := range bounds.Dy() {
		row := img.Pix[y*img.Stride:]
		for x := range bounds.Dx() {
			pixel := row[4*x : 4*x+3]
			flat[idx] = float32(pixel[0])
			flat[idx+1] = float32(pixel[1])
			flat[idx+2] = float32(pixel[2])
			idx += 3
		}
	}
}

// ToTensor converts img to a tensor shaped [height, width, 3].
func ToTensor(img *image.RGBA) *tensors.Tensor {
	bounds := img.Bounds()
	t := tensors.FromShape(shapes.Make(dtypes.Float32, bounds.Dy(), bounds.Dx(), 3))
	tensors.MutableFlatData(t, func(flat []float32) {
		copyPixels(flat, img)
	})
	return t
}

// LoadTensor loads an image file as a tensor shaped [height, width, 3]. See Load.
func LoadTensor(path string, height, width int) (*tensors.Tensor, error) {
	img, err := Load(path, height, width)
	if err != nil {
		return nil, err
	}
	return ToTensor(img), nil
}

// LoadBatch loads the images in paths, resized to height x width, into a tensor shaped
// [batchSize, height, width, 3].
//
// The tensor starts zero-filled, so if there are fewer paths than batchSize the remaining
// examples are left as zeros. Images are loaded concurrently by up to workers goroutines.
func LoadBatch(ctx context.Context, paths []string, batchSize, height, width, workers int) (*tensors.Tensor, error) {
	if len(paths) > batchSize {
		return nil, errors.Errorf("%d images given for a batch of size %d", len(paths), batchSize)
	}
	batch := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, height, width, 3))
	imageSize := height * width * 3
	var err error
	tensors.MutableFlatData(batch, func(flat []float32) {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(max(workers, 1))
		for exampleIdx, path := range paths {
			group.Go(func() error {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				img, err := Load(path, height, width)
				if err != nil {
					return err
				}
				copyPixels(flat[exampleIdx*imageSize:(exampleIdx+1)*imageSize], img)
				return nil
			})
		}
		err = group.Wait()
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ToImage converts a tensor shaped [height, width, 3] to an image, clipping values to [0, 255].
func ToImage(t *tensors.Tensor) (*image.NRGBA, error) {
	if t.Shape().Rank() != 3 || t.Shape().Dim(2) != 3 || t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("image tensor must be float32 shaped [height, width, 3], got %s", t.Shape())
	}
	height, width := t.Shape().Dim(0), t.Shape().Dim(1)
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	flat := tensors.CopyFlatData[float32](t)
	for y := range height {
		for x := range width {
			src := flat[(y*width+x)*3:]
			dst := img.Pix[y*img.Stride+4*x:]
			for channel := range 3 {
				dst[channel] = toUint8(src[channel])
			}
			dst[3] = 255
		}
	}
	return img, nil
}

func toUint8(v float32) uint8 {
	if math32.IsNaN(v) {
		return 0
	}
	v = math32.Floor(v + 0.5)
	return uint8(min(max(v, 0), 255))
}

// SavePNG writes the image tensor shaped [height, width, 3] to path.
func SavePNG(path string, t *tensors.Tensor) error {
	img, err := ToImage(t)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create image file")
	}
	if err = png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode image %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close image %q", path)
}
