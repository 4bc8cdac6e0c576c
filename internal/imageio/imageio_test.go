package imageio

import (
	"context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// writeSolidPNG writes a PNG with all pixels set to c.
func writeSolidPNG(t *testing.T, path string, width, height int, c color.NRGBA) {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	writeSolidPNG(t, filepath.Join(dir, "b.png"), 2, 2, color.NRGBA{A: 255})
	writeSolidPNG(t, filepath.Join(dir, "sub", "a.PNG"), 2, 2, color.NRGBA{A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0644))

	paths, err := ListImages(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "b.png"), filepath.Join(dir, "sub", "a.PNG")}, paths)

	_, err = ListImages(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "red.png")
	writeSolidPNG(t, path, 10, 6, color.NRGBA{R: 200, G: 10, B: 30, A: 255})

	// Original size.
	img, err := Load(path, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 10, img.Bounds().Dx())
	require.Equal(t, 6, img.Bounds().Dy())

	// Resized: a solid color stays solid.
	tensor, err := LoadTensor(path, 4, 8)
	require.NoError(t, err)
	require.Equal(t, []int{4, 8, 3}, tensor.Shape().Dimensions)
	flat := tensors.CopyFlatData[float32](tensor)
	for ii := 0; ii < len(flat); ii += 3 {
		require.InDelta(t, 200, flat[ii], 1)
		require.InDelta(t, 10, flat[ii+1], 1)
		require.InDelta(t, 30, flat[ii+2], 1)
	}

	_, err = Load(filepath.Join(dir, "missing.png"), 0, 0)
	require.Error(t, err)

	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("not a png"), 0644))
	_, err = Load(garbage, 0, 0)
	require.Error(t, err)
}

func TestLoadBatch(t *testing.T) {
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "white.png"), filepath.Join(dir, "gray.png")}
	writeSolidPNG(t, paths[0], 5, 5, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	writeSolidPNG(t, paths[1], 3, 7, color.NRGBA{R: 100, G: 100, B: 100, A: 255})

	batch, err := LoadBatch(context.Background(), paths, 3, 4, 4, 2)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4, 4, 3}, batch.Shape().Dimensions)
	flat := tensors.CopyFlatData[float32](batch)
	imageSize := 4 * 4 * 3
	for ii := range imageSize {
		require.InDelta(t, 255, flat[ii], 1)
		require.InDelta(t, 100, flat[imageSize+ii], 1)
		// Padding example is zero-filled.
		require.Equal(t, float32(0), flat[2*imageSize+ii])
	}

	_, err = LoadBatch(context.Background(), paths, 1, 4, 4, 2)
	require.Error(t, err)

	_, err = LoadBatch(context.Background(), append(paths, filepath.Join(dir, "missing.png")), 3, 4, 4, 2)
	require.Error(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = LoadBatch(cancelled, paths, 2, 4, 4, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestToImageAndSavePNG(t *testing.T) {
	tensor := tensors.FromValue([][][]float32{{{-10, 127.6, 300}, {0, 255, 12.4}}})
	img, err := ToImage(tensor)
	require.NoError(t, err)
	require.Equal(t, color.NRGBA{R: 0, G: 128, B: 255, A: 255}, img.NRGBAAt(0, 0))
	require.Equal(t, color.NRGBA{R: 0, G: 255, B: 12, A: 255}, img.NRGBAAt(1, 0))

	_, err = ToImage(tensors.FromValue([][]float32{{1, 2, 3}}))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "sample.png")
	require.NoError(t, SavePNG(path, tensor))
	loaded, err := LoadTensor(path, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []float32{0, 128, 255, 0, 255, 12}, tensors.CopyFlatData[float32](loaded))
}
