package imageguard

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var watermarkFont = func() *opentype.Font {
	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		panic(fmt.Sprintf("parse embedded font: %v", err))
	}
	return f
}()

// Watermark renders text onto the image: a dark shadow layer offset by
// (+2,+2) under a light foreground, centered horizontally with the
// baseline at 60% of the height. Output is JPEG at quality 95.
func Watermark(data []byte, text string) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	size := int(float64(b.Dx())*0.07 + 0.5)
	if size < 12 {
		size = 12
	}

	face, err := opentype.NewFace(watermarkFont, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("font face: %w", err)
	}
	defer face.Close()

	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Src)

	adv := font.MeasureString(face, text)
	x := (b.Dx() - adv.Round()) / 2
	y := int(float64(b.Dy()) * 0.6)

	shadow := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.NRGBA{0, 0, 0, 80}),
		Face: face,
		Dot:  fixed.P(x+2, y+2),
	}
	shadow.DrawString(text)

	fg := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 100}),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	fg.DrawString(text)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, canvas, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}
