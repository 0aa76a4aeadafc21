// fingerprint.go - Content fingerprints keying the result cache

package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"image/color"
)

// Fingerprint hashes the preprocessed image bytes together with the
// preprocessing configuration version. Byte-identical output under the same
// configuration always yields the same fingerprint; changing any
// preprocessing parameter changes every fingerprint, so stale entries are
// never served across configurations.
func Fingerprint(processed []byte, configVersion string) string {
	h := sha256.New()
	h.Write(processed)
	h.Write([]byte{0})
	h.Write([]byte(configVersion))
	return hex.EncodeToString(h.Sum(nil))
}

func nrgbaGray(v uint8) color.NRGBA {
	return color.NRGBA{R: v, G: v, B: v, A: 255}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
