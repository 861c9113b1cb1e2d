package thumbs

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	PlaceholderMediaType = "image/png"
	PlaceholderWidth     = 320
	PlaceholderHeight    = 240
	placeholderLabel     = "no preview"
)

var placeholders sync.Map // image.Point -> []byte

// Placeholder is the generic image served when a real thumbnail can't be produced or fetched.
// Same size, same bytes.
func Placeholder(width int, height int) []byte {
	if width < 1 || height < 1 {
		width, height = PlaceholderWidth, PlaceholderHeight
	}
	key := image.Pt(width, height)
	if cached, ok := placeholders.Load(key); ok {
		return cached.([]byte)
	}
	rendered, _ := placeholders.LoadOrStore(key, renderPlaceholder(width, height, placeholderLabel))
	return rendered.([]byte)
}

func renderPlaceholder(width int, height int, text string) []byte {
	img := imaging.New(width, height, color.NRGBA{R: 0xe4, G: 0xe4, B: 0xe7, A: 0xff})
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{R: 0x71, G: 0x71, B: 0x7a, A: 0xff}),
		Face: basicfont.Face7x13,
	}
	textWidth := d.MeasureString(text).Round()
	d.Dot = fixed.P((width-textWidth)/2, (height+basicfont.Face7x13.Ascent)/2)
	d.DrawString(text)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err) // in memory NRGBA into a buffer
	}
	return buf.Bytes()
}
