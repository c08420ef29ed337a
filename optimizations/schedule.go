package optimizations

// LinearSchedule is the learning rate before optimizer step `step`
// (0-based): linear warmup over warmup steps, then linear decay that
// reaches 0 at total.
func LinearSchedule(step, warmup, total int, peak float64) float64 {
	if warmup > 0 && step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	rest := total - warmup
	if rest < 1 {
		rest = 1
	}
	x := float64(total-step) / float64(rest)
	if x < 0 {
		x = 0
	}
	return peak * x
}
