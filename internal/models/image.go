package models

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Image is an N-dimensional (2D or 3D) scalar pixel buffer.
// Data is stored with axis 0 varying fastest, so a 2D image is laid out
// row by row and a 3D image slice by slice.
type Image struct {
	// Data holds the pixel values
	Data []float64

	// Dims is the size of the image along each axis
	Dims []int

	// Min is the position of the first pixel. A nil Min means zero-origin.
	Min []int
}

// NewImage allocates a zero-origin image with the given dimensions.
func NewImage(dims ...int) *Image {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return &Image{
		Data: make([]float64, n),
		Dims: slices.Clone(dims),
	}
}

// NumDimensions returns the number of axes of the image.
func (im *Image) NumDimensions() int {
	return len(im.Dims)
}

// Len returns the number of pixels.
func (im *Image) Len() int {
	return len(im.Data)
}

// Validate checks that the buffer length matches the dimensions.
func (im *Image) Validate() error {
	if im == nil {
		return fmt.Errorf("image is nil")
	}
	if len(im.Dims) == 0 {
		return fmt.Errorf("image has no dimensions")
	}
	n := 1
	for d, s := range im.Dims {
		if s <= 0 {
			return fmt.Errorf("axis %d has non-positive size %d", d, s)
		}
		n *= s
	}
	if n != len(im.Data) {
		return fmt.Errorf("buffer holds %d values, dimensions %v need %d", len(im.Data), im.Dims, n)
	}
	if im.Min != nil && len(im.Min) != len(im.Dims) {
		return fmt.Errorf("origin has %d axes, image has %d", len(im.Min), len(im.Dims))
	}
	return nil
}

// Strides returns the linear index step for each axis.
func (im *Image) Strides() []int {
	strides := make([]int, len(im.Dims))
	step := 1
	for d, s := range im.Dims {
		strides[d] = step
		step *= s
	}
	return strides
}

// Index returns the linear index of a zero-origin position.
func (im *Image) Index(pos []int) int {
	idx := 0
	step := 1
	for d, s := range im.Dims {
		idx += pos[d] * step
		step *= s
	}
	return idx
}

// At returns the value at a zero-origin position.
func (im *Image) At(pos ...int) float64 {
	return im.Data[im.Index(pos)]
}

// Set stores v at a zero-origin position.
func (im *Image) Set(v float64, pos ...int) {
	im.Data[im.Index(pos)] = v
}

// IsZeroMin reports whether the image origin is at zero.
func (im *Image) IsZeroMin() bool {
	for _, m := range im.Min {
		if m != 0 {
			return false
		}
	}
	return true
}

// ZeroMin returns a view of the image with its origin moved to zero.
// The pixel buffer is shared, not copied.
func (im *Image) ZeroMin() *Image {
	if im.IsZeroMin() {
		return im
	}
	return &Image{Data: im.Data, Dims: im.Dims}
}

// Crop copies the box starting at min with the given size (in zero-origin
// coordinates) into a new zero-origin image.
func (im *Image) Crop(min, size []int) (*Image, error) {
	n := len(im.Dims)
	if len(min) != n || len(size) != n {
		return nil, fmt.Errorf("crop box has %d/%d axes, image has %d", len(min), len(size), n)
	}
	for d := 0; d < n; d++ {
		if min[d] < 0 {
			return nil, fmt.Errorf("crop start must be non-negative")
		}
		if size[d] <= 0 {
			return nil, fmt.Errorf("crop size must be positive")
		}
		if min[d]+size[d] > im.Dims[d] {
			return nil, fmt.Errorf("crop extends beyond image boundaries on axis %d", d)
		}
	}

	region := NewImage(size...)
	srcStrides := im.Strides()

	// Copy whole runs along axis 0 and walk the remaining axes like an odometer
	pos := make([]int, n)
	run := size[0]
	for {
		src := 0
		for d := 0; d < n; d++ {
			src += (min[d] + pos[d]) * srcStrides[d]
		}
		dst := region.Index(pos)
		copy(region.Data[dst:dst+run], im.Data[src:src+run])

		d := 1
		for ; d < n; d++ {
			pos[d]++
			if pos[d] < size[d] {
				break
			}
			pos[d] = 0
		}
		if d == n {
			break
		}
	}

	return region, nil
}

// Mean averages images of identical dimensions pixel by pixel. It is used
// to aggregate the members of a tile group into one registration image.
func Mean(images ...*Image) (*Image, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images to aggregate")
	}
	out := NewImage(images[0].Dims...)
	for _, im := range images {
		if !slices.Equal(im.Dims, out.Dims) {
			return nil, fmt.Errorf("cannot aggregate images of size %v and %v", out.Dims, im.Dims)
		}
		for i, v := range im.Data {
			out.Data[i] += v
		}
	}
	scale := 1.0 / float64(len(images))
	for i := range out.Data {
		out.Data[i] *= scale
	}
	return out, nil
}

// FromImage converts a decoded 2D image to a zero-origin float image with
// values in [0, 1], using the first channel as intensity.
func FromImage(img image.Image) *Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	result := NewImage(width, height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// Convert 16-bit color to float64 (0-1 range)
			result.Data[y*width+x] = float64(r) / 65535.0
		}
	}

	return result
}

// ToGray16 converts a 2D image (or a 3D image with a single slice) to a
// 16-bit grayscale image, scaling the maximum value to white. Negative
// values are clipped to black.
func (im *Image) ToGray16() (*image.Gray16, error) {
	if len(im.Dims) < 2 || len(im.Dims) > 3 || (len(im.Dims) == 3 && im.Dims[2] != 1) {
		return nil, fmt.Errorf("cannot convert image of size %v to 2D", im.Dims)
	}
	width, height := im.Dims[0], im.Dims[1]
	out := image.NewGray16(image.Rect(0, 0, width, height))

	peak := 0.0
	if len(im.Data) > 0 {
		peak = floats.Max(im.Data)
	}
	if peak <= 0 {
		return out, nil
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := math.Max(0, im.Data[y*width+x]/peak)
			out.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 65535))})
		}
	}
	return out, nil
}
