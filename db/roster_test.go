package db

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func newWorkbook(t *testing.T, cells map[string]string) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for cell, value := range cells {
		require.NoError(t, f.SetCellValue("Sheet1", cell, value))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestReadRosterNames(t *testing.T) {
	buf := newWorkbook(t, map[string]string{
		"A1": "Name",
		"A2": "Ada Lovelace",
		"A3": "  Grace Hopper ",
		"A5": "Alan Turing",
		"B2": "ignored column",
	})

	names, err := ReadRosterNames(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada Lovelace", "Grace Hopper", "Alan Turing"}, names)
}

func TestReadRosterNamesWithoutHeader(t *testing.T) {
	buf := newWorkbook(t, map[string]string{
		"A1": "Ada Lovelace",
		"A2": "Grace Hopper",
	})

	names, err := ReadRosterNames(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada Lovelace", "Grace Hopper"}, names)
}

func TestReadRosterNamesRejectsGarbage(t *testing.T) {
	_, err := ReadRosterNames(strings.NewReader("definitely not a workbook"))
	assert.Error(t, err)
}
