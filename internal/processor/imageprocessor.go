// imageprocessor.go - Image preprocessing ahead of extraction

package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/bosocmputer/doc_recon_gemini/configs"
	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
)

// PreprocessingError reports an image that cannot be prepared for
// extraction. It is a per-image failure and never aborts the batch.
type PreprocessingError struct {
	Path string
	Err  error
}

func (e *PreprocessingError) Error() string {
	return fmt.Sprintf("preprocess %s: %v", e.Path, e.Err)
}

func (e *PreprocessingError) Unwrap() error { return e.Err }

// Processed is the canonical form of one input image: the encoded
// preprocessed bytes plus the fingerprint that keys the result cache.
type Processed struct {
	SourcePath  string
	Bytes       []byte
	MIMEType    string
	Fingerprint string
}

// Preprocessor normalizes raw images into a canonical form. All steps are
// deterministic; identical input and configuration always produce identical
// output bytes, which is what makes fingerprint-keyed caching sound.
type Preprocessor struct {
	cfg          configs.PreprocessConfig
	processedDir string
	logger       *slog.Logger
}

// NewPreprocessor builds a preprocessor. When processedDir is non-empty,
// every preprocessed image is also written there for operator audit.
func NewPreprocessor(cfg configs.PreprocessConfig, processedDir string, logger *slog.Logger) *Preprocessor {
	return &Preprocessor{
		cfg:          cfg,
		processedDir: processedDir,
		logger:       logging.WithComponent(logger, "preprocessor"),
	}
}

// ConfigVersion exposes the active preprocessing configuration version that
// is folded into every fingerprint.
func (p *Preprocessor) ConfigVersion() string {
	return p.cfg.Version()
}

// Process runs the configured pipeline: resize, grayscale, contrast and
// brightness normalization, adaptive thresholding, median denoise, and
// region-of-interest cropping.
func (p *Preprocessor) Process(path string) (*Processed, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, &PreprocessingError{Path: path, Err: fmt.Errorf("decode image: %w", err)}
	}

	if p.cfg.MaxDimension > 0 {
		img = resizeToMax(img, p.cfg.MaxDimension)
	}

	out := imaging.Grayscale(img)

	if p.cfg.NormalizeContrast {
		out = imaging.AdjustContrast(out, p.cfg.Contrast)
		out = imaging.AdjustBrightness(out, p.cfg.Brightness)
	}

	if p.cfg.AdaptiveThreshold {
		out = adaptiveThreshold(out, p.cfg.ThresholdBlock, p.cfg.ThresholdC)
	}

	if p.cfg.DenoiseMedian {
		out = medianFilter(out, p.cfg.MedianSize)
	}

	if p.cfg.CropROI {
		out, err = p.cropROI(out)
		if err != nil {
			return nil, &PreprocessingError{Path: path, Err: err}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, &PreprocessingError{Path: path, Err: fmt.Errorf("encode processed image: %w", err)}
	}

	processed := &Processed{
		SourcePath:  path,
		Bytes:       buf.Bytes(),
		MIMEType:    "image/png",
		Fingerprint: Fingerprint(buf.Bytes(), p.cfg.Version()),
	}

	if p.processedDir != "" {
		p.saveForAudit(path, processed.Bytes)
	}

	return processed, nil
}

// cropROI isolates the identifier block: a fixed top-fraction crop followed
// by a cut below the most prominent white separator band near the bottom.
func (p *Preprocessor) cropROI(img *image.NRGBA) (*image.NRGBA, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	keep := int(float64(height) * p.cfg.CropKeepRatio)
	if keep < 1 || keep > height {
		return nil, fmt.Errorf("crop region outside image bounds: keep %d of %d rows", keep, height)
	}
	img = imaging.Crop(img, image.Rect(0, 0, width, keep))

	cropY := findBandCrop(img,
		p.cfg.BandSearchRatio,
		p.cfg.BandBrightness,
		p.cfg.BandWhiteRatio,
		p.cfg.BandMinLines)
	if cropY <= 0 {
		p.logger.Debug("no separator band found, keeping full height")
		return img, nil
	}

	return imaging.Crop(img, image.Rect(0, 0, width, cropY)), nil
}

// findBandCrop searches the bottom searchRatio of the image, bottom to top,
// for bands of at least minLines consecutive rows whose white-pixel ratio
// exceeds whiteRatio. With two or more bands the second band from the bottom
// wins, otherwise the single band; 0 means no band was found.
func findBandCrop(img *image.NRGBA, searchRatio float64, brightness int, whiteRatio float64, minLines int) int {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return 0
	}

	startY := int(float64(height) * (1 - searchRatio))
	consecutive := 0
	var bandTops []int

	for y := height - 1; y > startY; y-- {
		white := 0
		for x := 0; x < width; x++ {
			if int(img.NRGBAAt(x, y).R) > brightness {
				white++
			}
		}
		if float64(white)/float64(width) > whiteRatio {
			consecutive++
			continue
		}
		if consecutive >= minLines {
			bandTops = append(bandTops, y+1)
		}
		consecutive = 0
	}
	if consecutive >= minLines {
		bandTops = append(bandTops, startY+1)
	}

	switch {
	case len(bandTops) >= 2:
		return bandTops[1]
	case len(bandTops) == 1:
		return bandTops[0]
	default:
		return 0
	}
}

// adaptiveThreshold binarizes a grayscale image against the local mean of a
// block-sized window minus c: background stays white, text goes black. Uses
// an integral image so the window size does not affect cost.
func adaptiveThreshold(img *image.NRGBA, block, c int) *image.NRGBA {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return img
	}

	integral := make([][]int64, height+1)
	for i := range integral {
		integral[i] = make([]int64, width+1)
	}
	for y := 0; y < height; y++ {
		var rowSum int64
		for x := 0; x < width; x++ {
			rowSum += int64(img.NRGBAAt(x, y).R)
			integral[y+1][x+1] = integral[y][x+1] + rowSum
		}
	}

	half := block / 2
	out := imaging.Clone(img)
	for y := 0; y < height; y++ {
		y0 := maxInt(0, y-half)
		y1 := minInt(height-1, y+half)
		for x := 0; x < width; x++ {
			x0 := maxInt(0, x-half)
			x1 := minInt(width-1, x+half)

			area := int64((y1 - y0 + 1) * (x1 - x0 + 1))
			sum := integral[y1+1][x1+1] - integral[y0][x1+1] - integral[y1+1][x0] + integral[y0][x0]
			mean := sum / area

			v := uint8(0)
			if int64(img.NRGBAAt(x, y).R) > mean-int64(c) {
				v = 255
			}
			out.SetNRGBA(x, y, nrgbaGray(v))
		}
	}
	return out
}

// medianFilter applies a size x size median over the grayscale channel to
// knock out salt-and-pepper noise left by thresholding.
func medianFilter(img *image.NRGBA, size int) *image.NRGBA {
	if size < 3 {
		return img
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	half := size / 2

	out := imaging.Clone(img)
	window := make([]int, 0, size*size)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			window = window[:0]
			for dy := -half; dy <= half; dy++ {
				for dx := -half; dx <= half; dx++ {
					yy := clampInt(y+dy, 0, height-1)
					xx := clampInt(x+dx, 0, width-1)
					window = append(window, int(img.NRGBAAt(xx, yy).R))
				}
			}
			sort.Ints(window)
			out.SetNRGBA(x, y, nrgbaGray(uint8(window[len(window)/2])))
		}
	}
	return out
}

func resizeToMax(img image.Image, maxDimension int) *image.NRGBA {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= maxDimension && height <= maxDimension {
		return imaging.Clone(img)
	}
	if width > height {
		return imaging.Resize(img, maxDimension, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, maxDimension, imaging.Lanczos)
}

func (p *Preprocessor) saveForAudit(sourcePath string, data []byte) {
	if err := os.MkdirAll(p.processedDir, 0o755); err != nil {
		p.logger.Warn("cannot create processed directory", "error", err)
		return
	}
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath)) + ".png"
	target := filepath.Join(p.processedDir, base)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		p.logger.Warn("cannot save processed image", "path", target, "error", err)
	}
}

// IsImageFile reports whether a directory entry looks like a supported input.
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".tif", ".tiff", ".bmp":
		return true
	default:
		return false
	}
}
