package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"tilegrab/pkg/engine"
	"tilegrab/pkg/tilemath"
)

// BytesPerTileEstimate is the average satellite tile size used for planning.
const BytesPerTileEstimate = 20 * 1024

// ZoomPlan is one row of a download plan
type ZoomPlan struct {
	Range    tilemath.TileRange
	Existing int
}

// PrintPlan writes a per-zoom table of tile counts and the storage estimate
func PrintPlan(w io.Writer, plans []ZoomPlan) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-5s %-13s %-13s %12s %10s  %s", "zoom", "x", "y", "tiles", "on disk", "extent")))

	total, existing := 0, 0
	for _, p := range plans {
		r := p.Range
		b := r.Bound()
		fmt.Fprintf(w, "%-5d %-13s %-13s %12d %10d  %s\n",
			r.Zoom,
			fmt.Sprintf("%d-%d", r.MinX, r.MaxX),
			fmt.Sprintf("%d-%d", r.MinY, r.MaxY),
			r.Count(),
			p.Existing,
			Dim(fmt.Sprintf("N%.2f S%.2f E%.2f W%.2f", b.Max.Lat(), b.Min.Lat(), b.Max.Lon(), b.Min.Lon())),
		)
		total += r.Count()
		existing += p.Existing
	}

	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "%s %d tiles, %d already on disk\n", labelStyle.Render("total:"), total, existing)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("estimated size:"),
		valueStyle.Render(FormatBytes(int64(total-existing)*BytesPerTileEstimate)+" to download"))
}

// PrintSummary writes the end-of-run report
func PrintSummary(w io.Writer, s engine.StatsSnapshot, elapsed time.Duration, interrupted bool) {
	fmt.Fprintln(w)
	switch {
	case interrupted:
		fmt.Fprintln(w, warningStyle.Render("Interrupted. Run the same command again to resume."))
	case s.Failed > 0:
		fmt.Fprintln(w, warningStyle.Render(fmt.Sprintf("Finished with %d failed tiles.", s.Failed)))
	default:
		fmt.Fprintln(w, successStyle.Render("All tiles downloaded."))
	}

	rate := 0.0
	if elapsed > 0 {
		rate = float64(s.Downloaded) / elapsed.Minutes()
	}

	rows := [][2]string{
		{"planned", fmt.Sprint(s.Planned)},
		{"completed", fmt.Sprintf("%d (%d already present, %d downloaded)", s.Completed(), s.Skipped, s.Downloaded)},
		{"failed", fmt.Sprint(s.Failed)},
		{"canceled", fmt.Sprint(s.Canceled)},
		{"transferred", FormatBytes(s.Bytes)},
		{"elapsed", fmt.Sprintf("%s (%.1f tiles/min)", FormatDuration(elapsed), rate)},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "  %s %s\n", Dim("•"), labelStyle.Render(row[0]+":")+" "+row[1])
	}
}
