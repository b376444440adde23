package materialize

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/dataframe"
)

// Source reads one catalog table's rows into a Frame. Scan and Join ops
// both go through a Source; the pipeline never touches a file path
// directly (spec §4.7 treats the dataframe/storage layer as an external
// collaborator).
type Source interface {
	ReadTable(t *catalog.Table) (*dataframe.Frame, error)
}

// CSVSource reads a table's declared path, relative to BaseDir, as a CSV
// file with a header row. This is the CSV half of spec §4.7's "Parquet or
// CSV" scan; see DESIGN.md for why a Parquet reader was not wired despite
// the teacher's go.mod carrying xitongsys/parquet-go.
type CSVSource struct {
	BaseDir string
}

// NewCSVSource builds a CSVSource rooted at baseDir.
func NewCSVSource(baseDir string) *CSVSource {
	return &CSVSource{BaseDir: baseDir}
}

func (s *CSVSource) ReadTable(t *catalog.Table) (*dataframe.Frame, error) {
	path := filepath.Join(s.BaseDir, csvName(t.Path))
	f, err := os.Open(path) // #nosec G304 - catalog-declared path under an operator-controlled data directory
	if err != nil {
		return nil, fmt.Errorf("materialize: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("materialize: read header of %s: %w", path, err)
	}

	cols := make(map[string][]dataframe.Value, len(header))
	for _, h := range header {
		cols[h] = []dataframe.Value{}
	}

	for {
		record, err := r.Read()
		if err != nil {
			break
		}
		for i, h := range header {
			if i >= len(record) {
				cols[h] = append(cols[h], nil)
				continue
			}
			cols[h] = append(cols[h], parseCell(record[i]))
		}
	}

	return dataframe.New(header, cols), nil
}

// csvName swaps any extension on a catalog-declared path for .csv, so
// fixtures can keep the ".parquet" naming spec.md's examples use while
// this source actually reads CSV bytes.
func csvName(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".csv"
}

// parseCell normalizes scientific-notation numeric strings to float64 and
// leaves everything else (including plain integers formatted as strings)
// as a string, matching spec §4.7's scan-time normalization step. An empty
// cell is SQL NULL.
func parseCell(raw string) dataframe.Value {
	if raw == "" {
		return nil
	}
	if looksScientific(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}

func looksScientific(s string) bool {
	return strings.ContainsAny(s, "eE") && (strings.Contains(s, ".") || strings.ContainsAny(s, "+-"))
}

// MapSource is an in-memory Source keyed by table name, used by tests that
// exercise the op-by-op execution engine without touching disk.
type MapSource struct {
	frames map[string]*dataframe.Frame
}

// NewMapSource builds a MapSource from a table-name-to-Frame map.
func NewMapSource(frames map[string]*dataframe.Frame) *MapSource {
	return &MapSource{frames: frames}
}

func (s *MapSource) ReadTable(t *catalog.Table) (*dataframe.Frame, error) {
	f, ok := s.frames[t.Name]
	if !ok {
		return nil, fmt.Errorf("materialize: no fixture frame registered for table %q", t.Name)
	}
	return f, nil
}
