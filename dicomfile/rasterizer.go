package dicomfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // encapsulated baseline JPEG frames
	"image/png"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	pacswatch "gitlab.com/medical-research/pacswatch"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Ensure service implements interface.
var _ pacswatch.Rasterizer = (*Rasterizer)(nil)

// ErrNoPixelData is returned for files that carry no image.
var ErrNoPixelData = errors.New("dicom file has no pixel data")

const watermarkMargin = 4

// Rasterizer renders every frame of a DICOM file to PNG.
type Rasterizer struct{}

// NewRasterizer returns a new instance of Rasterizer.
func NewRasterizer() *Rasterizer {
	return &Rasterizer{}
}

// Rasterize parses the file at path and returns one PNG per frame.
func (r *Rasterizer) Rasterize(ctx context.Context, path string, opts pacswatch.RenderOptions) (pngs [][]byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dicom parser panic on %s: %v", path, rec)
		}
	}()

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("dicom.ParseFile %s: %w", path, err)
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil {
		return nil, ErrNoPixelData
	}
	if el.Value.ValueType() != dicom.PixelData {
		return nil, ErrNoPixelData
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, ErrNoPixelData
	}

	for i, fr := range info.Frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := fr.GetImage()
		if err != nil {
			return nil, fmt.Errorf("frame %d of %s: %w", i, path, err)
		}
		b, err := RenderImage(img, opts.Watermark)
		if err != nil {
			return nil, fmt.Errorf("frame %d of %s: %w", i, path, err)
		}
		pngs = append(pngs, b)
	}
	return pngs, nil
}

// RenderImage converts a decoded frame into PNG bytes. 16-bit grayscale is
// contrast-stretched to its own min/max. A non-empty watermark is drawn into
// the bottom-left corner.
func RenderImage(img image.Image, watermark string) ([]byte, error) {
	canvas := toRGBA(img)
	if watermark != "" {
		drawWatermark(canvas, watermark)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("png.Encode: %w", err)
	}
	return buf.Bytes(), nil
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	g16, ok := img.(*image.Gray16)
	if !ok {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}

	lo, hi := uint16(0xffff), uint16(0)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := g16.Gray16At(x, y).Y
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	span := uint32(hi) - uint32(lo)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v uint8
			if span > 0 {
				v = uint8((uint32(g16.Gray16At(x, y).Y-lo) * 255) / span)
			}
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: v, G: v, B: v, A: 0xff})
		}
	}
	return out
}

func drawWatermark(dst *image.RGBA, text string) {
	face := basicfont.Face7x13
	y := dst.Bounds().Dy() - watermarkMargin - face.Descent
	dot := fixed.P(watermarkMargin, y)

	// One-pixel black shadow under the white caption.
	shadow := &font.Drawer{Dst: dst, Src: image.NewUniform(color.Black), Face: face, Dot: dot.Add(fixed.P(1, 1))}
	shadow.DrawString(text)
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(color.White), Face: face, Dot: dot}
	d.DrawString(text)
}
