package thumbs

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"io"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/webp" // decode webp originals
)

const (
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
	FormatAVIF = "avif"
)

// formats in the order variants are listed and generated
var allFormats = []string{FormatJPEG, FormatWebP, FormatAVIF}

var VariantWidths = []int{480, 960, 1280, 1920}

const (
	thumbQuality   = 85
	variantQuality = 80
	lqipWidth      = 24
	lqipQuality    = 30
)

type encoder struct {
	mediaType string
	alpha     bool // can the format store transparency
	encode    func(w io.Writer, img image.Image, quality int) error
}

func jpegEncoder() encoder {
	return encoder{
		mediaType: "image/jpeg",
		alpha:     false,
		encode: func(w io.Writer, img image.Image, quality int) error {
			return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
		},
	}
}

func webpEncoder() encoder {
	return encoder{
		mediaType: "image/webp",
		alpha:     true,
		encode: func(w io.Writer, img image.Image, quality int) error {
			return webp.Encode(w, img, webp.Options{Quality: quality})
		},
	}
}

func avifEncoder() encoder {
	return encoder{
		mediaType: "image/avif",
		alpha:     true,
		encode: func(w io.Writer, img image.Image, quality int) error {
			return avif.Encode(w, img, avif.Options{Quality: quality, Speed: 8})
		},
	}
}

// MediaType of a variant format, "" if unknown
func MediaType(format string) string {
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	}
	return ""
}

// flatten paints img onto an opaque white background.
// palette and alpha images come out black or corrupt from jpeg encoding without this
func flatten(img image.Image) image.Image {
	if opaque(img) {
		return img
	}
	bounds := img.Bounds()
	dst := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	return dst
}

func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

// downscale to maxWidth keeping the aspect ratio. never upscales
func downscale(img image.Image, maxWidth int) image.Image {
	if img.Bounds().Dx() <= maxWidth {
		return img
	}
	return imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
}

func encodeToBytes(enc encoder, img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if !enc.alpha {
		img = flatten(img)
	}
	if err := enc.encode(&buf, img, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
