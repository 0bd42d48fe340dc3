package transform

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/request"
)

// Blur applies a gaussian blur of the given radius.
type Blur struct {
	Radius float64
}

func (b Blur) Key() string {
	return "blur(radius=" + strconv.FormatFloat(b.Radius, 'f', -1, 64) + ")"
}

func (b Blur) Transform(src *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	if b.Radius <= 0 {
		return src, nil
	}
	out := blur.Gaussian(src.Image(), b.Radius)
	src.Recycle()
	return bitmap.New(out), nil
}

// Grayscale drops color information.
type Grayscale struct{}

func (Grayscale) Key() string { return "grayscale" }

func (Grayscale) Transform(src *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	out := effect.Grayscale(src.Image())
	src.Recycle()
	return bitmap.New(out), nil
}

// Tint blends every pixel toward Color in Lab space. Amount is clamped to
// [0,1]; alpha is preserved.
type Tint struct {
	Color  colorful.Color
	Amount float64
}

// NewTint parses a #rrggbb color.
func NewTint(hex string, amount float64) (Tint, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return Tint{}, fmt.Errorf("tint color %q: %w", hex, err)
	}
	return Tint{Color: c, Amount: min(max(amount, 0), 1)}, nil
}

func (t Tint) Key() string {
	return "tint(color=" + t.Color.Hex() + ",amount=" + strconv.FormatFloat(t.Amount, 'f', -1, 64) + ")"
}

func (t Tint) Transform(src *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	if t.Amount == 0 {
		return src, nil
	}
	in := src.Image()
	bounds := in.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := color.NRGBAModel.Convert(in.At(x, y)).(color.NRGBA)
			c := colorful.Color{R: float64(px.R) / 255, G: float64(px.G) / 255, B: float64(px.B) / 255}
			r, g, b := c.BlendLab(t.Color, t.Amount).Clamped().RGB255()
			out.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.NRGBA{R: r, G: g, B: b, A: px.A})
		}
	}
	src.Recycle()
	return bitmap.New(out), nil
}

// Parse reads a comma separated chain such as "blur:2,tint:#ff8800:0.4,grayscale".
func Parse(chain string) ([]request.Transformation, error) {
	chain = strings.TrimSpace(chain)
	if chain == "" {
		return nil, nil
	}
	var out []request.Transformation
	for _, part := range strings.Split(chain, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		switch strings.ToLower(fields[0]) {
		case "blur":
			if len(fields) != 2 {
				return nil, errors.New("blur expects blur:<radius>")
			}
			radius, err := strconv.ParseFloat(fields[1], 64)
			if err != nil || radius < 0 {
				return nil, fmt.Errorf("blur radius %q is invalid", fields[1])
			}
			out = append(out, Blur{Radius: radius})
		case "tint":
			if len(fields) < 2 || len(fields) > 3 {
				return nil, errors.New("tint expects tint:<#rrggbb>[:<amount>]")
			}
			amount := 0.5
			if len(fields) == 3 {
				v, err := strconv.ParseFloat(fields[2], 64)
				if err != nil {
					return nil, fmt.Errorf("tint amount %q is invalid", fields[2])
				}
				amount = v
			}
			tint, err := NewTint(fields[1], amount)
			if err != nil {
				return nil, err
			}
			out = append(out, tint)
		case "grayscale":
			out = append(out, Grayscale{})
		default:
			return nil, fmt.Errorf("unknown transformation %q", fields[0])
		}
	}
	return out, nil
}
