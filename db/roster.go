package db

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ReadRosterNames reads student names from the first sheet of an Excel workbook.
// Column A holds the name; a first row reading "name" is treated as a header.
// Blank cells are skipped and names are trimmed. Duplicates are left for the store to fold.
func ReadRosterNames(file io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open excel file: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, errors.New("excel file does not contain any sheets")
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows from sheet %s: %w", sheetName, err)
	}

	names := make([]string, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		name := strings.TrimSpace(row[0])
		if i == 0 && strings.EqualFold(name, "name") {
			continue // header
		}
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
