package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ahmethakanbesel/expiry-archiver/internal/candle"
)

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = b
	}
	return out
}

func TestBuilder(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add("A.xlsx", []byte("alpha")))
	require.NoError(t, b.Add("B.xlsx", []byte("beta")))

	a, err := b.Finalize("SENSEX_expiry_241025_1min.zip")
	require.NoError(t, err)
	assert.Equal(t, "SENSEX_expiry_241025_1min.zip", a.Name)
	assert.Equal(t, []string{"A.xlsx", "B.xlsx"}, a.Entries)
	assert.Equal(t, int64(len(a.Data)), a.Size())

	files := readZip(t, a.Data)
	assert.Len(t, files, 2)
	assert.Equal(t, "alpha", string(files["A.xlsx"]))
	assert.Equal(t, "beta", string(files["B.xlsx"]))
}

func TestBuilder_Empty(t *testing.T) {
	a, err := NewBuilder().Finalize("empty.zip")
	require.NoError(t, err)
	assert.Empty(t, a.Entries)
	assert.Empty(t, readZip(t, a.Data))
}

func TestBuilder_Duplicate(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add("A.xlsx", []byte("1")))
	err := b.Add("A.xlsx", []byte("2"))
	assert.True(t, errors.Is(err, ErrDuplicateEntry))
}

func TestBuilder_AddAfterFinalize(t *testing.T) {
	b := NewBuilder()
	_, err := b.Finalize("x.zip")
	require.NoError(t, err)

	assert.ErrorIs(t, b.Add("late.xlsx", nil), ErrClosed)
	_, err = b.Finalize("x.zip")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestName(t *testing.T) {
	day := time.Date(2024, 10, 25, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "SENSEX_expiry_251024_1min.zip", Name("SENSEX_expiry", day, "1min"))
}

var ist = time.FixedZone("IST", 5*3600+1800)

func sampleCandles() []candle.Candle {
	return []candle.Candle{
		{Time: time.Date(2024, 10, 25, 9, 15, 0, 0, ist), Open: 210.5, High: 215, Low: 201.05, Close: 204.3, Volume: 12400},
		{Time: time.Date(2024, 10, 25, 9, 16, 0, 0, ist), Open: 204.3, High: 206.1, Low: 199.9, Close: 200.15, Volume: 9800},
	}
}

func TestXLSXEncoder(t *testing.T) {
	enc, err := NewEncoder(FormatXLSX, ist)
	require.NoError(t, err)
	assert.Equal(t, "SENSEX24O2580000CE.xlsx", EntryName("SENSEX24O2580000CE", enc))

	data, err := enc.Encode(sampleCandles())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows("Sheet1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, "204.3", rows[1][4])
	assert.Equal(t, "9800", rows[2][5])
}

func TestCSVEncoder(t *testing.T) {
	enc, err := NewEncoder(FormatCSV, ist)
	require.NoError(t, err)
	assert.Equal(t, ".csv", enc.Extension())

	data, err := enc.Encode(sampleCandles())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Date,Open,High,Low,Close,Volume", lines[0])
	assert.Equal(t, "2024-10-25 09:15:00,210.5,215,201.05,204.3,12400", lines[1])
}

func TestNewEncoder_Unknown(t *testing.T) {
	_, err := NewEncoder("parquet", nil)
	assert.Error(t, err)
}
