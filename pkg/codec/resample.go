package codec

// Resample8kTo24k performs 3x linear-interpolation upsampling. For each
// input sample s[i] with next s[i+1] (or s[i] itself if i is the last
// sample), three outputs are emitted: s[i], s[i] + (s[i+1]-s[i])/3, and
// s[i] + 2*(s[i+1]-s[i])/3. Output length is always exactly 3x the input
// length; this is the only resampling path the spec treats as authoritative
// for the 8 kHz <-> 24 kHz boundary (§9 open question).
func Resample8kTo24k(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, len(in)*3)
	for i, s := range in {
		next := s
		if i < len(in)-1 {
			next = in[i+1]
		}
		delta := int32(next) - int32(s)
		out[i*3] = s
		out[i*3+1] = int16(int32(s) + roundDiv(delta, 3))
		out[i*3+2] = int16(int32(s) + roundDiv(2*delta, 3))
	}
	return out
}

// Resample24kTo8k performs 3-tap averaging downsampling: output index j
// averages three consecutive input samples starting at 3j, padding by
// repeating the last available sample past end-of-buffer. Output length is
// floor(len(in)/3).
func Resample24kTo8k(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	n := len(in) / 3
	out := make([]int16, n)
	for j := 0; j < n; j++ {
		base := j * 3
		a := int32(in[base])
		b := sampleOrPad(in, base+1)
		c := sampleOrPad(in, base+2)
		out[j] = int16(roundDiv(a+b+c, 3))
	}
	return out
}

func sampleOrPad(in []int16, idx int) int32 {
	if idx < len(in) {
		return int32(in[idx])
	}
	return int32(in[len(in)-1])
}

// roundDiv performs rounded integer division by a positive divisor (ties
// away from zero), used so the fractional interpolation/averaging steps
// don't silently truncate toward zero and bias quiet audio toward
// zero-crossings. den is always positive (3) at every call site.
func roundDiv(num, den int32) int32 {
	if num >= 0 {
		return (num + den/2) / den
	}
	return -((-num + den/2) / den)
}
