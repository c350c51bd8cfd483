package report

import (
	"archive/zip"
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/zjy-dev/covhub/internal/coverage"
)

const (
	// BundleSnapshotName is the raw snapshot entry inside the archive.
	BundleSnapshotName = "coverage.json"
	// BundleHTMLDir prefixes the output directory entries inside the archive.
	BundleHTMLDir = "html"
)

// BuildBundle streams a zip archive holding the raw snapshot and the output
// directory. The HTML report is rendered first if it is missing. Errors
// raised while streaming reach the reader wrapped in ErrArchiveCreation.
func (g *Generator) BuildBundle(snap coverage.Snapshot) (io.ReadCloser, error) {
	if snap.Empty() {
		return nil, coverage.ErrNoCoverageData
	}
	if !g.HTMLExists() {
		if err := g.RenderHTML(snap); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArchiveCreation, err)
		}
	}
	return g.StreamBundle(snap, nil)
}

// StreamBundle is BuildBundle without rendering. The output directory is
// read while the stream is consumed, so callers keep writers out until done
// has run. done is called exactly once, either before StreamBundle returns an
// error or when the archive writer finishes. Readers must Close the stream
// even when they stop early.
func (g *Generator) StreamBundle(snap coverage.Snapshot, done func()) (io.ReadCloser, error) {
	if done == nil {
		done = func() {}
	}
	if snap.Empty() {
		done()
		return nil, coverage.ErrNoCoverageData
	}

	raw, err := json.MarshalIndent(snap, "", "    ")
	if err != nil {
		done()
		return nil, fmt.Errorf("%w: %v", ErrArchiveCreation, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer done()
		if err := g.writeArchive(pw, raw); err != nil {
			g.log.Errorf("coverage archive failed: %v", err)
			pw.CloseWithError(fmt.Errorf("%w: %v", ErrArchiveCreation, err))
			return
		}
		pw.Close()
	}()
	return pr, nil
}

func (g *Generator) writeArchive(w io.Writer, raw []byte) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	entry, err := zw.Create(BundleSnapshotName)
	if err != nil {
		return err
	}
	if _, err := entry.Write(raw); err != nil {
		return err
	}

	err = filepath.WalkDir(g.outputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(g.outputDir, p)
		if err != nil {
			return err
		}
		return addFile(zw, p, path.Join(BundleHTMLDir, filepath.ToSlash(rel)))
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	entry, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}
