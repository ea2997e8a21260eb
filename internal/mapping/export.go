package mapping

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

	"github.com/segmentio/parquet-go"
)

// FileFormat represents supported mapping file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

var csvHeader = []string{"original_id", "deidentified_id", "date_offset"}

// DetectFileFormat detects file format from extension, defaulting to CSV
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl":
		return FormatJSON
	default:
		return FormatCSV
	}
}

// Export writes m to path in the format implied by its extension
func Export(path string, m *MasterMapping) error {
	if m == nil || m.Len() == 0 {
		return ErrNoMapping
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create mapping file: %w", err)
	}

	switch DetectFileFormat(path) {
	case FormatParquet:
		err = writeParquet(file, m.Entries)
	case FormatJSON:
		err = writeJSON(file, m.Entries)
	default:
		err = writeCSV(file, m.Entries)
	}

	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to export %s mapping: %w", m.Kind, err)
	}
	return nil
}

// Import reads a mapping file written by Export
func Import(path string, kind Kind) (*MasterMapping, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	switch DetectFileFormat(path) {
	case FormatParquet:
		entries, err = readParquet(file)
	case FormatJSON:
		entries, err = readJSON(file)
	default:
		entries, err = readCSV(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to import %s mapping: %w", kind, err)
	}

	return NewMasterMapping(kind, entries)
}

func writeCSV(w io.Writer, entries []Entry) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{e.OriginalID, e.DeidentifiedID, strconv.Itoa(int(e.DateOffset))}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func readCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	origIdx, ok1 := cols["original_id"]
	deidIdx, ok2 := cols["deidentified_id"]
	if !ok1 || !ok2 {
		return nil, errors.New("CSV must have original_id and deidentified_id columns")
	}
	offsetIdx, hasOffset := cols["date_offset"]

	var entries []Entry
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if origIdx >= len(record) || deidIdx >= len(record) {
			return nil, fmt.Errorf("short CSV record %v", record)
		}

		e := Entry{OriginalID: record[origIdx], DeidentifiedID: record[deidIdx]}
		if hasOffset && offsetIdx < len(record) && record[offsetIdx] != "" {
			offset, err := strconv.Atoi(record[offsetIdx])
			if err != nil {
				return nil, fmt.Errorf("invalid date_offset %q: %w", record[offsetIdx], err)
			}
			e.DateOffset = int32(offset)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func writeParquet(w io.Writer, entries []Entry) error {
	writer := parquet.NewGenericWriter[Entry](w)
	if _, err := writer.Write(entries); err != nil {
		return err
	}
	return writer.Close()
}

func readParquet(file *os.File) ([]Entry, error) {
	reader := parquet.NewReader(file)
	defer reader.Close()

	var entries []Entry
	for {
		var e Entry
		err := reader.Read(&e)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read Parquet record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// writeJSON writes one JSON object per line
func writeJSON(w io.Writer, entries []Entry) error {
	encoder := json.NewEncoder(w)
	for _, e := range entries {
		if err := encoder.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func readJSON(r io.Reader) ([]Entry, error) {
	decoder := json.NewDecoder(r)
	var entries []Entry
	for {
		var e Entry
		err := decoder.Decode(&e)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
