package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustIST(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

func TestParse(t *testing.T) {
	in := `symbol,token
# weekly sensex options
SENSEX24O1881000CE, 861234

SENSEX24O1881000PE,861235
`
	got, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Instrument{
		{Symbol: "SENSEX24O1881000CE", Token: "861234"},
		{Symbol: "SENSEX24O1881000PE", Token: "861235"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d instruments, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestParse_ColumnOrderAndAliases(t *testing.T) {
	in := "symboltoken,name,tradingsymbol\n1001,Sensex call,SENSEXCE\n"
	got, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "SENSEXCE" || got[0].Token != "1001" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing token column", "symbol,name\nA,B\n"},
		{"empty token", "symbol,token\nA,\n"},
		{"short row", "name,symbol,token\nonly\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.in)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	got, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no instruments, got %d", len(got))
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	if !errors.Is(err, ErrNoTasks) {
		t.Errorf("expected ErrNoTasks, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.csv")
	if err := os.WriteFile(p, []byte("symbol,token\nA,1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 instrument, got %d", len(got))
	}
}

func TestNewWindow(t *testing.T) {
	loc := mustIST(t)
	expiry := time.Date(2024, 10, 24, 0, 0, 0, 0, loc)

	w, err := NewWindow(expiry, DefaultLookbackDays, loc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantFrom := time.Date(2024, 7, 26, 9, 15, 0, 0, loc)
	wantTo := time.Date(2024, 10, 24, 15, 30, 0, 0, loc)
	if !w.From.Equal(wantFrom) {
		t.Errorf("from: expected %v, got %v", wantFrom, w.From)
	}
	if !w.To.Equal(wantTo) {
		t.Errorf("to: expected %v, got %v", wantTo, w.To)
	}
}

func TestNewWindow_InvalidLookback(t *testing.T) {
	if _, err := NewWindow(time.Now(), 0, time.UTC); !errors.Is(err, ErrInvalidLookback) {
		t.Errorf("expected ErrInvalidLookback, got %v", err)
	}
}

func TestParseExpiry(t *testing.T) {
	loc := mustIST(t)
	now := time.Date(2024, 10, 23, 20, 0, 0, 0, time.UTC) // already the 24th in IST

	got, err := ParseExpiry("", loc, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if y, m, d := got.Date(); y != 2024 || m != 10 || d != 24 {
		t.Errorf("expected 2024-10-24, got %v", got)
	}

	got, err = ParseExpiry("2024-10-31", loc, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Day() != 31 || got.Location() != loc {
		t.Errorf("unexpected expiry %v", got)
	}

	if _, err := ParseExpiry("31/10/2024", loc, now); !errors.Is(err, ErrInvalidExpiry) {
		t.Errorf("expected ErrInvalidExpiry, got %v", err)
	}
}

func TestTasks(t *testing.T) {
	w := Window{From: time.Unix(0, 0), To: time.Unix(3600, 0)}
	tasks := Tasks([]Instrument{{"A", "1"}, {"B", "2"}}, w)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Symbol != "A" || tasks[1].Token != "2" || !tasks[1].From.Equal(w.From) || !tasks[0].To.Equal(w.To) {
		t.Errorf("unexpected tasks: %+v", tasks)
	}
}

func TestBuilder_Build(t *testing.T) {
	loc := mustIST(t)
	p := filepath.Join(t.TempDir(), "manifest.csv")
	if err := os.WriteFile(p, []byte("symbol,token\nSENSEXCE,1\nSENSEXPE,2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	b := Builder{
		ManifestPath:  p,
		LookbackDays:  90,
		Location:      loc,
		ArchivePrefix: "SENSEX_expiry",
		IntervalLabel: "1min",
	}
	batch, err := b.Build(context.Background(), "2024-10-24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.ArchiveName != "SENSEX_expiry_241024_1min.zip" {
		t.Errorf("unexpected archive name %s", batch.ArchiveName)
	}
	if len(batch.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(batch.Tasks))
	}
	if want := time.Date(2024, 10, 24, 15, 30, 0, 0, loc); !batch.Tasks[0].To.Equal(want) {
		t.Errorf("expected to %v, got %v", want, batch.Tasks[0].To)
	}
}

func TestBuilder_EmptyManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.csv")
	if err := os.WriteFile(p, []byte("symbol,token\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fixed := func() time.Time { return time.Date(2024, 10, 24, 12, 0, 0, 0, time.UTC) }

	b := Builder{ManifestPath: p, LookbackDays: 90, ArchivePrefix: "X", IntervalLabel: "1min", Now: fixed}
	if _, err := b.Build(context.Background(), ""); !errors.Is(err, ErrNoTasks) {
		t.Errorf("expected ErrNoTasks, got %v", err)
	}

	b.AllowEmpty = true
	batch, err := b.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Tasks) != 0 || batch.ArchiveName != "X_241024_1min.zip" {
		t.Errorf("unexpected batch: %+v", batch)
	}
}
