package rates

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/codes"
)

// XLSXOptions configures a fee schedule import.
type XLSXOptions struct {
	SheetName  string // if set, overrides SheetIndex
	SheetIndex int
	// CodeColumn and AmountColumn are header names matched case-insensitively.
	// Defaults: "code" and "amount".
	CodeColumn   string
	AmountColumn string
}

// ImportXLSX reads a payer fee schedule spreadsheet into code -> amount.
// The first row must be a header. Rows with an empty code are skipped;
// unparseable amounts are logged and skipped.
func ImportXLSX(path string, opts XLSXOptions) (map[string]float64, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "rates: open xlsx")
	}
	sheet, err := pickSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("rates: sheet %q is empty", sheet.Name)
	}

	codeCol, amtCol, err := headerColumns(rowValues(sheet.Rows[0]), opts)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for i, row := range sheet.Rows[1:] {
		cells := rowValues(row)
		if codeCol >= len(cells) || amtCol >= len(cells) {
			continue
		}
		code := codes.Normalize(cells[codeCol])
		if code == "" {
			continue
		}
		raw := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(cells[amtCol]))
		amt, err := strconv.ParseFloat(raw, 64)
		if err != nil || amt < 0 {
			zap.L().Warn("rates: skipping row with bad amount",
				zap.Int("row", i+2),
				zap.String("code", code),
			)
			continue
		}
		out[code] = Round(amt)
	}
	return out, nil
}

func pickSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("rates: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex < 0 || opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("rates: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func headerColumns(header []string, opts XLSXOptions) (int, int, error) {
	codeName := strings.ToLower(defaultString(opts.CodeColumn, "code"))
	amtName := strings.ToLower(defaultString(opts.AmountColumn, "amount"))
	codeCol, amtCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case codeName:
			codeCol = i
		case amtName:
			amtCol = i
		}
	}
	if codeCol < 0 || amtCol < 0 {
		return 0, 0, eris.Errorf("rates: header must contain %q and %q columns", codeName, amtName)
	}
	return codeCol, amtCol, nil
}

func rowValues(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
