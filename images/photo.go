package images

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"

	"github.com/gmrtd/gmrtd/document"
	xdraw "golang.org/x/image/draw"
	"pault.ag/go/cbeff/jpeg2000"
)

var ErrNoFaceImage = errors.New("no face image in DG2")

// PhotoOptions controls how a face image is reduced before it is encoded.
type PhotoOptions struct {
	MaxWidth  int
	MaxHeight int
	// Colors > 0 palettizes the image. 216 or fewer selects the web safe palette.
	Colors int
}

var DefaultPhotoOptions = PhotoOptions{MaxWidth: 400, MaxHeight: 400, Colors: 256}

// FacePhoto returns the first decodable face image of DG2 as a base64 encoded PNG.
func FacePhoto(dg2 *document.DG2, opts PhotoOptions) (string, error) {
	if dg2 == nil || len(dg2.Images) == 0 {
		return "", ErrNoFaceImage
	}

	var lastErr error
	for i, face := range dg2.Images {
		if len(face.Image) == 0 {
			lastErr = fmt.Errorf("face %d has no image data", i)
			continue
		}

		img, err := decodeImage(face.Image)
		if err != nil {
			slog.Debug("skipping undecodable face image", "index", i, "size", len(face.Image), "error", err)
			lastErr = fmt.Errorf("face %d: %w", i, err)
			continue
		}

		encoded, err := EncodePNG(img, opts)
		if err != nil {
			return "", fmt.Errorf("failed to encode face %d: %w", i, err)
		}
		slog.Debug("face image converted", "index", i, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
		return encoded, nil
	}
	return "", lastErr
}

// decodeImage handles the JPEG and JPEG 2000 encodings a chip may store.
func decodeImage(data []byte) (image.Image, error) {
	if img, err := jpeg.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := jpeg2000.Parse(data); err == nil {
		return img, nil
	}
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("unsupported or invalid image format")
}

// EncodePNG shrinks img to fit the configured box, optionally palettizes it and
// returns the base64 encoded PNG.
func EncodePNG(img image.Image, opts PhotoOptions) (string, error) {
	img = shrinkToFit(img, opts.MaxWidth, opts.MaxHeight)

	if opts.Colors > 0 {
		pal := palette.Plan9
		if opts.Colors <= 216 {
			pal = palette.WebSafe
		}
		dst := image.NewPaletted(img.Bounds(), pal)
		draw.FloydSteinberg.Draw(dst, dst.Bounds(), img, img.Bounds().Min)
		img = dst
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// shrinkToFit keeps the aspect ratio and never enlarges. A bound <= 0 is unconstrained.
func shrinkToFit(src image.Image, maxW, maxH int) image.Image {
	bw := float64(src.Bounds().Dx())
	bh := float64(src.Bounds().Dy())
	if bw == 0 || bh == 0 {
		return src
	}

	scale := 1.0
	if maxW > 0 {
		scale = math.Min(scale, float64(maxW)/bw)
	}
	if maxH > 0 {
		scale = math.Min(scale, float64(maxH)/bh)
	}
	if scale >= 1.0 {
		return src
	}

	w := int(math.Max(1, math.Round(bw*scale)))
	h := int(math.Max(1, math.Round(bh*scale)))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}
