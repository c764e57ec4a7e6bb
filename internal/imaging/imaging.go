// Package imaging validates uploaded medical images and normalizes them
// before they are handed to a describer.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

const (
	MaxFileSize  = 10 * 1024 * 1024
	MaxDimension = 512

	// Decoded images are held in memory in full, a small compressed file can
	// declare far more pixels than it carries.
	MaxPixels = 40_000_000

	jpegQuality = 90
)

var (
	ErrEmpty             = errors.New("image is empty")
	ErrTooLarge          = fmt.Errorf("image is larger than %d bytes", MaxFileSize)
	ErrTooManyPixels     = fmt.Errorf("image has more than %d pixels", MaxPixels)
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrCorrupt           = errors.New("image could not be decoded")

	supportedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".tif", ".gif"}
)

// Modality is the declared kind of medical image. It only shapes the prompt,
// the image itself is never checked against it.
type Modality string

const (
	XRay       Modality = "xray"
	CT         Modality = "ct"
	MRI        Modality = "mri"
	Ultrasound Modality = "ultrasound"
	Photo      Modality = "photo"
)

var modalityNames = map[Modality]string{
	XRay:       "X-ray",
	CT:         "CT scan",
	MRI:        "MRI",
	Ultrasound: "ultrasound",
	Photo:      "photograph",
}

// Modalities returns every modality in display order.
func Modalities() []Modality {
	return []Modality{XRay, CT, MRI, Ultrasound, Photo}
}

// ParseModality maps a form value to a Modality. Empty or unrecognized values
// are treated as a generic photograph.
func ParseModality(s string) Modality {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modalityNames[m]; ok {
		return m
	}
	return Photo
}

// Name is the English name used in model prompts.
func (m Modality) Name() string {
	if n, ok := modalityNames[m]; ok {
		return n
	}
	return modalityNames[Photo]
}

// Info describes the image as it was uploaded.
type Info struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Size   int    `json:"size"`
}

// Prepared is an upload normalized for a describer: RGB, at most
// MaxDimension on each side, JPEG encoded.
type Prepared struct {
	Data []byte
	Info Info
}

// SupportedExtension reports whether the file name carries one of the
// accepted image extensions.
func SupportedExtension(name string) bool {
	return slices.Contains(supportedExtensions, strings.ToLower(filepath.Ext(name)))
}

// Prepare decodes data and returns it normalized. Images larger than
// MaxDimension are center cropped to a square and scaled down, mirroring what
// the vision models were trained on.
func Prepare(data []byte) (*Prepared, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if len(data) > MaxFileSize {
		return nil, ErrTooLarge
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, decodeError(err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, decodeError(err)
	}

	b := img.Bounds()
	info := Info{Width: b.Dx(), Height: b.Dy(), Format: format, Size: len(data)}
	if info.Width == 0 || info.Height == 0 {
		return nil, ErrCorrupt
	}

	var rgb *image.RGBA
	if info.Width > MaxDimension || info.Height > MaxDimension {
		rgb = fit(img, MaxDimension)
	} else {
		rgb = flatten(img, b)
	}

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, rgb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}

	return &Prepared{Data: buf.Bytes(), Info: info}, nil
}

func decodeError(err error) error {
	if errors.Is(err, image.ErrFormat) {
		return ErrUnsupportedFormat
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, err)
}

// flatten draws img onto an opaque white canvas, dropping any alpha.
func flatten(img image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Over)
	return dst
}

// fit crops the largest centered square out of img and scales it to size x
// size.
func fit(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	crop := image.Rect(x0, y0, x0+side, y0+side)

	src := flatten(img, crop)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
