package archive

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ahmethakanbesel/expiry-archiver/internal/candle"
)

const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)

var header = []string{"Date", "Open", "High", "Low", "Close", "Volume"}

// Encoder turns one symbol's candles into the bytes of an archive entry.
type Encoder interface {
	Extension() string
	Encode(candles []candle.Candle) ([]byte, error)
}

// NewEncoder returns the encoder for format. Timestamps are written as wall
// clock time in loc.
func NewEncoder(format string, loc *time.Location) (Encoder, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch format {
	case FormatXLSX, "":
		return &XLSX{loc: loc}, nil
	case FormatCSV:
		return &CSV{loc: loc}, nil
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", format)
	}
}

// EntryName is the archive entry for a symbol.
func EntryName(symbol string, enc Encoder) string {
	return symbol + enc.Extension()
}

type XLSX struct {
	loc *time.Location
}

func (e *XLSX) Extension() string { return ".xlsx" }

func (e *XLSX) Encode(candles []candle.Candle) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Sheet1"
	dateFmt := "yyyy-mm-dd hh:mm:ss"
	dateStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &dateFmt})
	if err != nil {
		return nil, fmt.Errorf("xlsx style: %w", err)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return nil, fmt.Errorf("xlsx stream writer: %w", err)
	}
	if err := sw.SetColWidth(1, 1, 20); err != nil {
		return nil, fmt.Errorf("xlsx column width: %w", err)
	}

	head := make([]any, len(header))
	for i, h := range header {
		head[i] = h
	}
	if err := sw.SetRow("A1", head); err != nil {
		return nil, fmt.Errorf("xlsx header: %w", err)
	}

	for i, c := range candles {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []any{
			excelize.Cell{StyleID: dateStyle, Value: wallClock(c.Time, e.loc)},
			c.Open, c.High, c.Low, c.Close, c.Volume,
		}
		if err := sw.SetRow(cell, row); err != nil {
			return nil, fmt.Errorf("xlsx row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("xlsx flush: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// wallClock drops the zone so spreadsheets show exchange-local time.
func wallClock(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), 0, time.UTC)
}

type CSV struct {
	loc *time.Location
}

func (e *CSV) Extension() string { return ".csv" }

func (e *CSV) Encode(candles []candle.Candle) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, c := range candles {
		rec := []string{
			c.Time.In(e.loc).Format("2006-01-02 15:04:05"),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatInt(c.Volume, 10),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
