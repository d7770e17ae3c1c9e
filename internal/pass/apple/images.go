package apple

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
)

type imageSpec struct {
	name string
	w, h int
	logo bool
}

var imageSpecs = []imageSpec{
	{name: "icon.png", w: 29, h: 29},
	{name: "icon@2x.png", w: 58, h: 58},
	{name: "logo.png", w: 160, h: 50, logo: true},
	{name: "logo@2x.png", w: 320, h: 100, logo: true},
}

var pngEncoder = png.Encoder{CompressionLevel: png.BestCompression}

// renderImages draws theme-tinted placeholders. Same theme, same bytes.
func renderImages(theme string) (map[string][]byte, error) {
	bg := parseHex(theme)
	out := make(map[string][]byte, len(imageSpecs))
	for _, spec := range imageSpecs {
		img := image.NewNRGBA(image.Rect(0, 0, spec.w, spec.h))
		draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)
		if spec.logo {
			drawBar(img)
		} else {
			drawDisc(img)
		}
		var buf bytes.Buffer
		if err := pngEncoder.Encode(&buf, img); err != nil {
			return nil, apperr.Image("render image", "cannot encode "+spec.name, err)
		}
		out[spec.name] = buf.Bytes()
	}
	return out, nil
}

func drawDisc(img *image.NRGBA) {
	b := img.Bounds()
	cx, cy := b.Dx()/2, b.Dy()/2
	r := b.Dx() / 3
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
}

func drawBar(img *image.NRGBA) {
	b := img.Bounds()
	pad := b.Dy() / 4
	bar := image.Rect(pad, b.Dy()/2-b.Dy()/10, b.Dx()-pad, b.Dy()/2+b.Dy()/10)
	draw.Draw(img, bar, &image.Uniform{C: color.NRGBA{R: 255, G: 255, B: 255, A: 255}}, image.Point{}, draw.Src)
}

// parseHex expects the normalized #rrggbb form. Anything else renders black.
func parseHex(s string) color.NRGBA {
	if len(s) != 7 || s[0] != '#' {
		return color.NRGBA{A: 255}
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.NRGBA{A: 255}
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
