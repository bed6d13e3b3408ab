package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// thumbnailSize is the square edge of chat-list thumbnails.
	thumbnailSize = 320

	// optimizedMaxDim bounds the long edge of the full-view rendition.
	optimizedMaxDim = 1920

	jpegQuality = 82
)

// ImageResult holds the derived renditions of one image upload.
type ImageResult struct {
	Thumbnail []byte // square cover-fit crop
	Optimized []byte // fit-inside rendition, empty when the source is small enough
	Width     int
	Height    int
}

// ProcessImage decodes the source and produces both renditions. Animated
// sources lose their animation; the first frame is used.
func ProcessImage(r io.Reader) (*ImageResult, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("media: decoding image: %w", err)
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("media: image has no pixels")
	}

	res := &ImageResult{Width: w, Height: h}

	thumb, err := encodeJPEG(coverCrop(src, thumbnailSize))
	if err != nil {
		return nil, err
	}
	res.Thumbnail = thumb

	if w > optimizedMaxDim || h > optimizedMaxDim {
		opt, err := encodeJPEG(fitInside(src, optimizedMaxDim))
		if err != nil {
			return nil, err
		}
		res.Optimized = opt
	}
	return res, nil
}

// coverCrop scales the central square of src down to a size x size image.
func coverCrop(src image.Image, size int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	edge := w
	if h < edge {
		edge = h
	}
	x0 := bounds.Min.X + (w-edge)/2
	y0 := bounds.Min.Y + (h-edge)/2
	crop := image.Rect(x0, y0, x0+edge, y0+edge)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	return dst
}

// fitInside scales src so its long edge equals maxDim, preserving aspect.
func fitInside(src image.Image, maxDim int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var dw, dh int
	if w >= h {
		dw = maxDim
		dh = h * maxDim / w
	} else {
		dh = maxDim
		dw = w * maxDim / h
	}
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("media: encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
