package hashing

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	// Registering these decoders (via imaging's own imports) and webp lets
	// image.Decode handle every format the ingest pipeline accepts.
	_ "golang.org/x/image/webp"
)

// Kind classifies an ingested artifact for hashing purposes.
type Kind int

const (
	KindStill Kind = iota
	KindVideo
	KindZipAnimation
)

var videoExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".mkv": true, ".avi": true, ".gifv": true,
}

// ClassifyByExtension determines artifact Kind from a file's extension.
func ClassifyByExtension(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".zip":
		return KindZipAnimation
	case videoExtensions[ext]:
		return KindVideo
	default:
		return KindStill
	}
}

// Result is the pair of fingerprints produced for one artifact.
type Result struct {
	PHash     string
	ColorHash string
}

// Compute hashes the artifact at path according to its Kind, using the
// configured pHash bit length. Hash/embedding failures are meant to be
// non-fatal to the caller; Compute
// returns the error so the caller can decide to commit with empty fields.
func Compute(path string, bitLen BitLength) (Result, error) {
	kind := ClassifyByExtension(path)

	var img image.Image
	var err error
	switch kind {
	case KindVideo:
		img, err = MiddleFrame(path, 0)
	case KindZipAnimation:
		img, err = FirstZipFrame(path)
	default:
		var f *os.File
		f, err = os.Open(path)
		if err == nil {
			defer f.Close()
			img, _, err = image.Decode(f)
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("hashing: decode artifact %s: %w", filepath.Base(path), err)
	}

	ph, err := PHash(img, bitLen)
	if err != nil {
		return Result{}, fmt.Errorf("hashing: compute phash for %s: %w", filepath.Base(path), err)
	}
	return Result{PHash: ph, ColorHash: ColorHash(img)}, nil
}
