package hashing

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	"sort"
)

// FirstZipFrame opens a zip-animation archive and decodes its first frame by
// archive-internal name order.
func FirstZipFrame(path string) (image.Image, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("hashing: open zip animation: %w", err)
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	byName := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
		byName[f.Name] = f
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("hashing: zip animation %s has no frame entries", path)
	}
	sort.Strings(names)

	entry := byName[names[0]]
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("hashing: open first frame %s: %w", entry.Name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("hashing: read first frame %s: %w", entry.Name, err)
	}
	img, _, err := image.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("hashing: decode first frame %s: %w", entry.Name, err)
	}
	return img, nil
}
