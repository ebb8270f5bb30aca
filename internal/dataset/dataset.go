// Package dataset reads 2D point sets from CSV and JSON sources.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cwbudde/lmcirclefit/internal/fit"
)

// Format identifies a point file encoding
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// FormatFromPath guesses the format from the file extension; anything that is
// not .json is treated as CSV.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatCSV
}

// Load reads a point set from a file
func Load(path string) (*fit.PointSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open points file: %w", err)
	}
	defer f.Close()

	ps, err := Read(f, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// Read decodes a point set in the given format
func Read(r io.Reader, format Format) (*fit.PointSet, error) {
	var (
		points []fit.Point
		err    error
	)

	switch format {
	case FormatCSV, "":
		points, err = readCSV(r)
	case FormatJSON:
		points, err = readJSON(r)
	default:
		return nil, fmt.Errorf("unsupported point format %q", format)
	}
	if err != nil {
		return nil, err
	}

	return fit.NewPointSet(points)
}

// readCSV accepts "x,y" records. A first record that does not parse as numbers
// is taken as a header; lines starting with # are skipped.
func readCSV(r io.Reader) ([]fit.Point, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var points []fit.Point
	for record := 0; ; record++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if len(fields) < 2 {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: expected x,y but got %d field(s)", line, len(fields))
		}

		x, errX := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if errX != nil || errY != nil {
			if record == 0 {
				continue // header
			}
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: invalid coordinates %q, %q", line, fields[0], fields[1])
		}
		points = append(points, fit.Point{X: x, Y: y})
	}
	return points, nil
}

// readJSON accepts either [[x,y],...] or [{"x":..,"y":..},...].
func readJSON(r io.Reader) ([]fit.Point, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode json points: %w", err)
	}

	points := make([]fit.Point, len(raw))
	for i, item := range raw {
		var pair []float64
		if err := json.Unmarshal(item, &pair); err == nil {
			if len(pair) != 2 {
				return nil, fmt.Errorf("point %d: expected 2 coordinates, got %d", i, len(pair))
			}
			points[i] = fit.Point{X: pair[0], Y: pair[1]}
			continue
		}

		var p struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := json.Unmarshal(item, &p); err != nil || p.X == nil || p.Y == nil {
			return nil, fmt.Errorf("point %d: expected [x,y] or {\"x\":..,\"y\":..}", i)
		}
		points[i] = fit.Point{X: *p.X, Y: *p.Y}
	}
	return points, nil
}

// Demo returns the four-point demonstration set on the unit circle
func Demo() *fit.PointSet {
	ps, err := fit.NewPointSetXY([]float64{0, 1, -1, 0}, []float64{1, 0, 0, -1})
	if err != nil {
		panic(err)
	}
	return ps
}
