package sample

// AverageWindows reduces counts to at most maxPoints values, each the mean of
// a contiguous window, converted to volts. Averaging instead of picking keeps
// short transients from aliasing away in previews.
// Destination-based: reuses dst if it has sufficient capacity.
func (c Converter) AverageWindows(dst []float32, counts []uint16, maxPoints int) []float32 {
	if maxPoints <= 0 || len(counts) == 0 {
		return dst[:0]
	}

	n := min(len(counts), maxPoints)
	if cap(dst) >= n {
		dst = dst[:0]
	} else {
		dst = make([]float32, 0, n)
	}

	step := float64(len(counts)) / float64(n)
	for i := 0; i < n; i++ {
		from := int(float64(i) * step)
		to := int(float64(i+1) * step)
		if to > len(counts) || i == n-1 {
			to = len(counts)
		}
		if to <= from {
			to = from + 1
		}

		var sum uint32
		for _, v := range counts[from:to] {
			sum += uint32(v)
		}
		mean := float32(sum) / float32(to-from)
		dst = append(dst, (mean/c.maxCount)*c.vref)
	}

	return dst
}
