package capture

import "math"

// QuantizeSample maps a float sample to signed 16-bit after clamping to [-1, 1].
// Negative values scale by 32768 and positive by 32767 so +1.0 cannot wrap.
func QuantizeSample(x float32) int16 {
	if math.IsNaN(float64(x)) {
		return 0
	}
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	if x < 0 {
		return int16(x * 0x8000)
	}
	return int16(x * 0x7FFF)
}

// Quantize converts a block of float samples.
func Quantize(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, x := range in {
		out[i] = QuantizeSample(x)
	}
	return out
}

// Dequantize is the inverse scaling of QuantizeSample.
func Dequantize(s int16) float32 {
	if s < 0 {
		return float32(s) / 0x8000
	}
	return float32(s) / 0x7FFF
}

// Resample converts in from srcRate to dstRate with linear interpolation.
// The output holds floor(len(in)*dstRate/srcRate) samples.
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		i0 := int(math.Floor(pos))
		if i0 >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(i0))
		out[i] = in[i0]*(1-frac) + in[i0+1]*frac
	}
	return out
}
