package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// asciiPlot draws a crude vertical bar chart of values scaled to their
// maximum, one column per value.
func asciiPlot(w io.Writer, values []float64) {
	const height = 10 // number of text rows
	n := len(values)
	if n == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	peak := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		peak = 1
	}
	// for each row from top (height) down to 1
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		var line strings.Builder
		for _, v := range values {
			if v/peak >= threshold {
				line.WriteString("█")
			} else {
				line.WriteByte(' ')
			}
		}
		fmt.Fprintln(w, strings.TrimRight(line.String(), " "))
	}
	// x-axis
	fmt.Fprintln(w, strings.Repeat("─", n))
	var axis strings.Builder
	for i := range values {
		if i%5 == 0 {
			axis.WriteString(strconv.Itoa(i % 10))
		} else {
			axis.WriteByte(' ')
		}
	}
	fmt.Fprintln(w, strings.TrimRight(axis.String(), " "))
}

// lossCurve keeps at most width points of a loss history by averaging
// neighbouring entries.
func lossCurve(losses []float64, width int) []float64 {
	if len(losses) <= width || width <= 0 {
		return losses
	}
	out := make([]float64, width)
	for i := range out {
		lo, hi := i*len(losses)/width, (i+1)*len(losses)/width
		sum := 0.0
		for _, v := range losses[lo:hi] {
			sum += v
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}
