package shell

import (
	"fmt"
	"io"
	"strings"

	"github.com/xtxerr/spillway/internal/dataspace"
	"github.com/xtxerr/spillway/internal/errors"
)

// Spectrum draws a 1-D space as a column chart of the given width and
// height. Bins are merged into columns by summing.
func Spectrum(w io.Writer, space *dataspace.Space, width, height int) error {
	if space.Dimensions() != 1 {
		return errors.NewValidation("plot", fmt.Sprintf("%s is not one-dimensional", space.Kind()))
	}
	width = max(width-10, 10)
	height = max(height, 2)

	n := max(space.Axis(0).Len(), space.MaxIndices()[0]+1)
	if n == 0 {
		fmt.Fprintln(w, "  (empty)")
		return nil
	}
	per := (n + width - 1) / width
	cols := make([]float64, (n+per-1)/per)
	for _, e := range space.Range(nil) {
		cols[e.Coords[0]/per] += e.Value
	}

	var peak float64
	for _, v := range cols {
		peak = max(peak, v)
	}
	if peak == 0 {
		fmt.Fprintln(w, "  (empty)")
		return nil
	}

	var b strings.Builder
	for row := height; row > 0; row-- {
		level := peak * float64(row) / float64(height)
		if row == height {
			fmt.Fprintf(&b, "%9.4g|", peak)
		} else {
			b.WriteString("         |")
		}
		for _, v := range cols {
			switch {
			case v >= level:
				b.WriteByte('#')
			case v >= level-peak/float64(2*height) && v > 0:
				b.WriteByte('.')
			default:
				b.WriteByte(' ')
			}
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "         +%s\n", strings.Repeat("-", len(cols)))

	lo, hi := space.Axis(0).Bounds()
	fmt.Fprintf(&b, "          %-*.4g%.4g\n", max(len(cols)-8, 1), lo, hi)
	_, err := io.WriteString(w, b.String())
	return err
}
