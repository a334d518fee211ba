package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

// Thumbnail modes.
const (
	ModeFill = "fill" // crop to fill the box exactly
	ModeFit  = "fit"  // scale down to fit inside the box
	ModePad  = "pad"  // fit, then center on a background of the box size
)

const thumbnailSuffix = "-thumbnail"

var contentTypes = map[imaging.Format]string{
	imaging.JPEG: "image/jpeg",
	imaging.PNG:  "image/png",
	imaging.GIF:  "image/gif",
	imaging.TIFF: "image/tiff",
	imaging.BMP:  "image/bmp",
}

// Options configures thumbnail geometry.
type Options struct {
	Width      int
	Height     int
	Mode       string
	Background string // hex color for ModePad
}

// Output is an encoded thumbnail ready for storage.
type Output struct {
	Data        []byte
	Filename    string
	ContentType string
	Width       int
	Height      int
}

// Processor derives thumbnails from source image bytes.
type Processor struct {
	opts Options
}

// New creates a new Processor with the given options.
func New(opts Options) *Processor {
	if opts.Mode == "" {
		opts.Mode = ModeFill
	}
	if opts.Background == "" {
		opts.Background = "#ffffff"
	}

	return &Processor{opts: opts}
}

// ThumbnailName derives the thumbnail file name from the source name,
// e.g. "cat.png" becomes "cat-thumbnail.png". Names without a supported
// image extension get a JPEG name.
func ThumbnailName(filename string) (string, imaging.Format) {
	name := path.Base(filename)
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" || base == "." || base == "/" {
		base = "image"
	}

	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return base + thumbnailSuffix + ".jpg", imaging.JPEG
	}

	return base + thumbnailSuffix + ext, format
}

// Thumbnail decodes src, scales it per the configured mode and encodes it
// in the format implied by filename.
func (p *Processor) Thumbnail(ctx context.Context, src io.Reader, filename string) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	// Decode into an image object.
	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, fmt.Errorf("failed to decode image: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	thumb := p.scale(img)

	name, format := ThumbnailName(filename)

	// Encode the thumbnail into a buffer for storage.
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, format); err != nil {
		return Output{}, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	bounds := thumb.Bounds()

	return Output{
		Data:        buf.Bytes(),
		Filename:    name,
		ContentType: contentTypes[format],
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}

func (p *Processor) scale(img image.Image) image.Image {
	w, h := p.opts.Width, p.opts.Height

	switch p.opts.Mode {
	case ModeFit:
		return imaging.Fit(img, w, h, imaging.Lanczos)
	case ModePad:
		fitted := imaging.Fit(img, w, h, imaging.Lanczos)

		// Center the fitted image on a canvas of the full box size.
		dc := gg.NewContext(w, h)
		dc.SetHexColor(p.opts.Background)
		dc.Clear()
		dc.DrawImageAnchored(fitted, w/2, h/2, 0.5, 0.5)

		return dc.Image()
	default:
		return imaging.Thumbnail(img, w, h, imaging.Lanczos)
	}
}
