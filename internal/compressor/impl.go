package compressor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/barasher/go-exiftool"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// ImagingLoader decodes JPEG and PNG files with imaging and rewrites them at
// a given quality.
type ImagingLoader struct {
	copier MetadataCopier
	log    logrus.FieldLogger
}

// NewImagingLoader returns a loader. copier may be nil to drop metadata.
func NewImagingLoader(copier MetadataCopier, log logrus.FieldLogger) *ImagingLoader {
	return &ImagingLoader{copier: copier, log: log}
}

type imagingEncoder struct {
	path   string
	img    image.Image
	format imaging.Format
	mode   os.FileMode
	copier MetadataCopier
	log    logrus.FieldLogger
}

// Load sniffs the file content, decodes it and returns an Encoder for it.
func (l *ImagingLoader) Load(ctx context.Context, path string) (Encoder, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect type of %s: %w", path, err)
	}

	var format imaging.Format
	switch {
	case mt.Is("image/jpeg"):
		format = imaging.JPEG
	case mt.Is("image/png"):
		format = imaging.PNG
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedFormat, path, mt.String())
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnsupportedFormat, path, err)
	}

	return &imagingEncoder{
		path:   path,
		img:    img,
		format: format,
		mode:   info.Mode().Perm(),
		copier: l.copier,
		log:    l.log,
	}, nil
}

// Rewrite encodes into a temporary file next to the original and renames it
// over the original once complete.
func (e *imagingEncoder) Rewrite(ctx context.Context, quality int) error {
	if quality < 0 || quality > 100 {
		return fmt.Errorf("quality %d out of range 0-100", quality)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	var err error
	switch e.format {
	case imaging.JPEG:
		err = imaging.Encode(&buf, e.img, imaging.JPEG, imaging.JPEGQuality(max(quality, 1)))
	case imaging.PNG:
		err = imaging.Encode(&buf, e.img, imaging.PNG, imaging.PNGCompressionLevel(pngLevel(quality)))
	default:
		err = fmt.Errorf("%w: format %v", ErrUnsupportedFormat, e.format)
	}
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(e.path), "."+filepath.Base(e.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create tmp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write tmp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync tmp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tmp file: %w", err)
	}
	if err := os.Chmod(tmpPath, e.mode); err != nil {
		return fmt.Errorf("chmod tmp file: %w", err)
	}

	if e.copier != nil && e.format == imaging.JPEG && hasEXIF(e.path) {
		if err := e.copier.Copy(e.path, tmpPath); err != nil && e.log != nil {
			e.log.WithField("file", e.path).Warnf("metadata not copied: %v", err)
		}
	}

	if err := os.Rename(tmpPath, e.path); err != nil {
		return fmt.Errorf("replace original: %w", err)
	}
	committed = true
	return nil
}

// pngLevel maps the lossy quality scale onto PNG's lossless effort levels:
// lower quality asks for harder compression.
func pngLevel(quality int) png.CompressionLevel {
	switch {
	case quality >= 80:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// hasEXIF reports whether the file carries a decodable EXIF block.
func hasEXIF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = exif.Decode(f)
	return err == nil
}

// preservedTags are copied from the original onto the rewritten JPEG.
var preservedTags = []string{
	"Make", "Model", "Orientation", "DateTimeOriginal", "CreateDate",
	"ModifyDate", "Artist", "Copyright", "ImageDescription",
	"GPSLatitude", "GPSLatitudeRef", "GPSLongitude", "GPSLongitudeRef",
	"GPSAltitude", "GPSAltitudeRef",
}

// ExiftoolCopier copies a fixed set of EXIF tags with exiftool and stamps the
// Software tag so rewritten files are recognisable.
type ExiftoolCopier struct {
	SoftwareTag string
}

// NewExiftoolCopier returns a copier stamping softwareTag (empty to skip).
func NewExiftoolCopier(softwareTag string) *ExiftoolCopier {
	return &ExiftoolCopier{SoftwareTag: softwareTag}
}

// Copy copies preserved tags from src to dst.
func (c *ExiftoolCopier) Copy(src, dst string) error {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return fmt.Errorf("start exiftool: %w", err)
	}
	defer et.Close()

	files := et.ExtractMetadata(src)
	if len(files) == 0 {
		return fmt.Errorf("exiftool returned no metadata for %s", src)
	}
	if files[0].Err != nil {
		return fmt.Errorf("read metadata: %w", files[0].Err)
	}

	out := exiftool.FileMetadata{File: dst, Fields: map[string]interface{}{}}
	for _, tag := range preservedTags {
		if v, ok := files[0].Fields[tag]; ok {
			out.SetString(tag, fmt.Sprint(v))
		}
	}
	if c.SoftwareTag != "" {
		out.SetString("Software", c.SoftwareTag)
	}
	if len(out.Fields) == 0 {
		return nil
	}

	batch := []exiftool.FileMetadata{out}
	et.WriteMetadata(batch)
	if batch[0].Err != nil {
		return fmt.Errorf("write metadata: %w", batch[0].Err)
	}
	return nil
}
