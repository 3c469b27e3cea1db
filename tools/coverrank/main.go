// Command coverrank ranks the files or packages of a Go coverprofile by
// statement coverage, worst first, and optionally fails below a threshold.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const modulePath = "github.com/baldanca/eda-ingestor/"

type agg struct {
	Total   int64
	Covered int64
}

type rankRow struct {
	Name     string
	Total    int64
	Covered  int64
	CoverPct float64
}

type rankFlags struct {
	profile   string
	top       int
	minTotal  int64
	byPackage bool
	failUnder float64
}

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var f rankFlags
	cmd := &cobra.Command{
		Use:          "coverrank",
		Short:        "Rank coverage of a coverprofile, worst first",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := readCoverProfile(f.profile, f.byPackage)
			if err != nil {
				return err
			}
			overall := report(cmd.OutOrStdout(), rank(stats, f.minTotal), f.top, f.byPackage)
			if f.failUnder > 0 && overall < f.failUnder {
				return fmt.Errorf("coverage %.2f%% is below %.2f%%", overall, f.failUnder)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.profile, "coverprofile", "coverage.out", "path to coverprofile")
	cmd.Flags().IntVar(&f.top, "top", 30, "how many rows to print")
	cmd.Flags().Int64Var(&f.minTotal, "min-total", 1, "min statements to include")
	cmd.Flags().BoolVar(&f.byPackage, "by-package", false, "aggregate per package instead of per file")
	cmd.Flags().Float64Var(&f.failUnder, "fail-under", 0, "exit non-zero when overall coverage is below this percentage")
	return cmd
}

func rank(stats map[string]*agg, minTotal int64) []rankRow {
	rows := make([]rankRow, 0, len(stats))
	for name, st := range stats {
		if st.Total < minTotal {
			continue
		}
		rows = append(rows, rankRow{
			Name:     name,
			Total:    st.Total,
			Covered:  st.Covered,
			CoverPct: pct(st.Covered, st.Total),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CoverPct == rows[j].CoverPct {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].CoverPct < rows[j].CoverPct
	})
	return rows
}

// report prints the worst top rows and returns the overall percentage of the
// included rows.
func report(w io.Writer, rows []rankRow, top int, byPackage bool) float64 {
	unit := "files"
	if byPackage {
		unit = "packages"
	}
	if top > len(rows) || top <= 0 {
		top = len(rows)
	}

	fmt.Fprintf(w, "=== Worst %s by coverage (weighted) ===\n", unit)
	for _, r := range rows[:top] {
		fmt.Fprintf(w, "%6.2f%%  %6d/%-6d  %s\n", r.CoverPct, r.Covered, r.Total, r.Name)
	}

	var tot, cov int64
	for _, r := range rows {
		tot += r.Total
		cov += r.Covered
	}
	overall := pct(cov, tot)
	fmt.Fprintf(w, "\nOverall (%s included): %.2f%%  %d/%d\n", unit, overall, cov, tot)
	return overall
}

func pct(covered, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(covered) * 100.0 / float64(total)
}

func readCoverProfile(p string, byPackage bool) (map[string]*agg, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open coverprofile: %w", err)
	}
	defer func() { _ = f.Close() }()
	return parseCoverProfile(f, byPackage)
}

// parseCoverProfile reads lines of the form
// <file>:<startLine>.<startCol>,<endLine>.<endCol> <numStmts> <count>
// after the leading "mode:" line. Blocks repeated across test binaries are
// counted once, covered if any run covered them.
func parseCoverProfile(r io.Reader, byPackage bool) (map[string]*agg, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		return nil, fmt.Errorf("empty coverprofile")
	}
	if !strings.HasPrefix(sc.Text(), "mode:") {
		return nil, fmt.Errorf("missing mode line, got %q", sc.Text())
	}

	type block struct {
		stmts   int64
		covered bool
	}
	blocks := map[string]*block{}
	names := map[string]string{}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid cover line: %q", line)
		}

		idx := strings.LastIndex(parts[0], ":")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid file/range: %q", parts[0])
		}
		name := strings.TrimPrefix(parts[0][:idx], modulePath)
		if byPackage {
			name = path.Dir(name)
		}

		numStmts, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse numStmts %q: %w", parts[1], err)
		}
		count, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse count %q: %w", parts[2], err)
		}

		b := blocks[parts[0]]
		if b == nil {
			b = &block{stmts: numStmts}
			blocks[parts[0]] = b
			names[parts[0]] = name
		}
		b.covered = b.covered || count > 0
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	stats := map[string]*agg{}
	for key, b := range blocks {
		name := names[key]
		st := stats[name]
		if st == nil {
			st = &agg{}
			stats[name] = st
		}
		st.Total += b.stmts
		if b.covered {
			st.Covered += b.stmts
		}
	}
	return stats, nil
}
