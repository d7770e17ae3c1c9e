package apple

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/flate"
)

// archiveEpoch is stamped on every entry so identical input zips identically.
var archiveEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

func buildManifest(files map[string][]byte) ([]byte, error) {
	m := make(map[string]string, len(files))
	for name, data := range files {
		sum := sha1.Sum(data)
		m[name] = hex.EncodeToString(sum[:])
	}
	// encoding/json sorts map keys
	return json.Marshal(m)
}

func writeZip(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: archiveEpoch,
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
