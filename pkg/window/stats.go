package window

import "math"

// Mean returns the arithmetic mean of a float window, zero when empty
func Mean(w *Window[float64]) float64 {
	if len(w.data) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range w.data {
		sum += e.Value
	}
	return sum / float64(len(w.data))
}

// StdDev returns the population standard deviation of a float window
func StdDev(w *Window[float64]) float64 {
	n := len(w.data)
	if n < 2 {
		return 0
	}
	m := Mean(w)
	sum := 0.0
	for _, e := range w.data {
		d := e.Value - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}
