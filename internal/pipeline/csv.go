package pipeline

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mdp18/phoneid-batch/internal/normalize"
)

// ReadNumbers reads raw phone cells from the input. In CSV mode the first
// column is used and a leading header row is skipped; in text mode every
// non-empty line is one record. Records are returned raw — normalization
// and validation happen later so rejects can still get output rows.
func ReadNumbers(r io.Reader, csvFormat bool) ([]string, error) {
	if csvFormat {
		return readNumbersCSV(r)
	}
	return readNumbersText(r)
}

func readNumbersCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var records []string
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(rec) == 0 {
			continue
		}
		cell := strings.TrimSpace(rec[0])
		if first {
			first = false
			if normalize.IsHeader(cell) {
				continue
			}
		}
		if strings.TrimPrefix(cell, "\ufeff") == "" {
			continue
		}
		records = append(records, cell)
	}
}

func readNumbersText(r io.Reader) ([]string, error) {
	var records []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		cell := strings.TrimSpace(sc.Text())
		if strings.TrimPrefix(cell, "\ufeff") == "" {
			continue
		}
		records = append(records, cell)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read line: %w", err)
	}
	return records, nil
}

// WriteCSV writes rows as a CSV with the stable Header() ordering.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.Phone,
			strconv.Itoa(r.StatusCode),
			r.StatusDescription,
			r.JSON,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
