package labelfile

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	iface "EggDetServer/interface"
)

// CSVFileName is the default name of an exported result table.
const CSVFileName = "Egg_Counts.csv"

// CSVHeader lists the export columns in results-file order.
var CSVHeader = []string{"Image", "Unfertilized", "Fertilized"}

// WriteResults persists table as newline-joined "image unfertilized
// fertilized" records. An empty table produces an empty file.
func WriteResults(path string, table iface.ResultTable) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create results directory")
	}
	if err := os.WriteFile(path, []byte(table.String()), 0o644); err != nil {
		return errors.Wrapf(err, "write results file %s", path)
	}
	return nil
}

// ReadResults loads a table written by WriteResults.
func ReadResults(path string) (iface.ResultTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open results file %s", path)
	}
	defer f.Close()

	table := iface.ResultTable{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, errors.Errorf("results line %d: want 3 fields, got %d", line, len(fields))
		}
		uf, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "results line %d", line)
		}
		fe, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "results line %d", line)
		}
		table = append(table, iface.ImageResult{
			Image:  fields[0],
			Counts: iface.Counts{Fertilized: fe, Unfertilized: uf},
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan results file")
	}
	return table, nil
}

// WriteCSV exports table with CSVHeader as the first row.
func WriteCSV(w io.Writer, table iface.ResultTable) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range table {
		row := []string{
			r.Image,
			strconv.Itoa(r.Counts.Unfertilized),
			strconv.Itoa(r.Counts.Fertilized),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the CSV export to dir/CSVFileName and returns its path.
func SaveCSV(dir string, table iface.ResultTable) (string, error) {
	path := filepath.Join(dir, CSVFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create csv export")
	}
	if err := WriteCSV(f, table); err != nil {
		f.Close()
		return "", errors.Wrap(err, "write csv export")
	}
	return path, errors.Wrap(f.Close(), "close csv export")
}
