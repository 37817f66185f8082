package reconcile

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const na = "N/A"

var csvHeader = []string{
	"Ref ID", "Mismatch Type",
	"Hub Player ID", "Hub Type", "Hub Amount (Cents)", "Hub Currency", "Hub Status", "Hub Created At",
	"Operator Player ID", "Operator Type", "Operator Amount", "Operator Currency", "Operator Status", "Operator Timestamp",
	"Description",
}

// WriteCSV writes one row per mismatch.
func WriteCSV(w io.Writer, rep *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, m := range rep.Mismatches {
		row := []string{m.RefID, string(m.Type)}
		if h := m.Hub; h != nil {
			row = append(row, h.PlayerID, string(h.Type), strconv.FormatInt(h.AmountCents, 10),
				h.Currency, string(h.Status), h.CreatedAt.UTC().Format(time.RFC3339Nano))
		} else {
			row = append(row, na, na, na, na, na, na)
		}
		if o := m.Operator; o != nil {
			ts := na
			if !o.Timestamp.IsZero() {
				ts = o.Timestamp.UTC().Format(time.RFC3339Nano)
			}
			row = append(row, o.PlayerExternalID, o.Type, o.Amount.StringFixed(2), o.Currency, o.Status, ts)
		} else {
			row = append(row, na, na, na, na, na, na)
		}
		row = append(row, m.Description)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary renders the human-readable report with its PASS/FAIL verdict.
func Summary(rep *Report, csvPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "RECONCILIATION REPORT SUMMARY\n")
	fmt.Fprintf(&b, "=============================\n\n")
	fmt.Fprintf(&b, "Report Date: %s\n", rep.ReportDate.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Date Range: %s to %s\n\n", rep.StartDate.UTC().Format(time.RFC3339Nano), rep.EndDate.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "STATISTICS\n----------\n")
	fmt.Fprintf(&b, "Total Hub Transactions: %d\n", rep.TotalHub)
	fmt.Fprintf(&b, "Total Operator Transactions: %d\n", rep.TotalOperator)
	fmt.Fprintf(&b, "Matched Transactions: %d\n", rep.Matched)
	fmt.Fprintf(&b, "Mismatches Found: %d\n\n", len(rep.Mismatches))
	fmt.Fprintf(&b, "MISMATCH BREAKDOWN\n------------------\n")
	fmt.Fprintf(&b, "Missing in Operator: %d\n", rep.Count(MissingInOperator))
	fmt.Fprintf(&b, "Missing in Hub: %d\n", rep.Count(MissingInHub))
	fmt.Fprintf(&b, "Amount Mismatches: %d\n", rep.Count(AmountMismatch))
	fmt.Fprintf(&b, "Status Mismatches: %d\n\n", rep.Count(StatusMismatch))
	fmt.Fprintf(&b, "RESULT\n------\n")
	if rep.Passed() {
		fmt.Fprintf(&b, "PASS - No mismatches found\n")
	} else {
		fmt.Fprintf(&b, "FAIL - %d mismatches found\n", len(rep.Mismatches))
	}
	if csvPath != "" {
		fmt.Fprintf(&b, "\nDetails available in: %s\n", csvPath)
	}
	return b.String()
}

// WriteFiles writes reconciliation-<timestamp>.csv and its -summary.txt
// into dir, creating dir if needed.
func WriteFiles(dir string, rep *Report) (csvPath, summaryPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(rep.ReportDate.UTC().Format("2006-01-02T15:04:05.000Z"))
	csvPath = filepath.Join(dir, "reconciliation-"+stamp+".csv")
	summaryPath = strings.TrimSuffix(csvPath, ".csv") + "-summary.txt"

	f, err := os.Create(csvPath)
	if err != nil {
		return "", "", err
	}
	if err := WriteCSV(f, rep); err != nil {
		f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(summaryPath, []byte(Summary(rep, csvPath)), 0o644); err != nil {
		return "", "", err
	}
	return csvPath, summaryPath, nil
}
