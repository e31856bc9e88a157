package source

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// readXLSXRows reads the first sheet of an XLSX file, skipping skipRows
// header rows, and returns the remaining rows as string slices.
func readXLSXRows(path string, skipRows int) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: file has no sheets")
	}

	var rows [][]string
	for i, row := range f.Sheets[0].Rows {
		if i < skipRows {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.Value)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// extractZIPMatch extracts the first archive entry whose name matches the
// predicate into destDir and returns its path.
func extractZIPMatch(zipPath, destDir string, match func(name string) bool) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !match(f.Name) {
			continue
		}

		// Guard against zip slip.
		dest := filepath.Join(destDir, filepath.Base(f.Name))
		if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return "", eris.Errorf("zip: unsafe entry name %q", f.Name)
		}

		rc, err := f.Open()
		if err != nil {
			return "", eris.Wrap(err, "zip: open entry")
		}

		out, err := os.Create(dest)
		if err != nil {
			_ = rc.Close()
			return "", eris.Wrap(err, "zip: create output")
		}

		_, copyErr := io.Copy(out, rc)
		_ = rc.Close()
		if closeErr := out.Close(); copyErr == nil {
			copyErr = closeErr
		}
		if copyErr != nil {
			return "", eris.Wrap(copyErr, "zip: extract entry")
		}
		return dest, nil
	}

	return "", eris.New("zip: no matching entry in archive")
}
