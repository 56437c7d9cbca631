package stream

import (
	"github.com/ftl/sdrstream/core"
)

const cf32Scale = float32(core.FullScale)

// convert copies src into dst, starting at the given offset, and converts the
// samples into the format of dst. It returns the number of converted samples.
func convert(dst core.Samples, offset int, src core.SamplesCS16) int {
	switch buffer := dst.(type) {
	case core.SamplesCS16:
		return copy(buffer[offset:], src)
	case core.SamplesCF32:
		n := len(buffer) - offset
		if len(src) < n {
			n = len(src)
		}
		out := buffer[offset : offset+n]
		for k := range out {
			out[k] = complex(float32(src[k][0])/cf32Scale, float32(src[k][1])/cf32Scale)
		}
		return n
	default:
		return 0
	}
}
