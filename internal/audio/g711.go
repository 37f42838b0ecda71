package audio

import "github.com/zaf/g711"

// EncodeMuLaw appends the G.711 mu-law encoding of pcm to dst.
func EncodeMuLaw(dst []byte, pcm []int16) []byte {
	for _, s := range pcm {
		dst = append(dst, g711.EncodeUlawFrame(s))
	}
	return dst
}

// DecodeMuLaw appends the linear samples of a mu-law payload to dst.
func DecodeMuLaw(dst []int16, payload []byte) []int16 {
	for _, b := range payload {
		dst = append(dst, g711.DecodeUlawFrame(b))
	}
	return dst
}

// decimate averages every factor samples of in into one sample of out.
func decimate(out, in []int16, factor int) []int16 {
	out = out[:0]
	if factor <= 1 {
		return append(out, in...)
	}
	for i := 0; i+factor <= len(in); i += factor {
		sum := 0
		for _, s := range in[i : i+factor] {
			sum += int(s)
		}
		out = append(out, int16(sum/factor))
	}
	return out
}

// upsample repeats every sample of in factor times.
func upsample(out, in []int16, factor int) []int16 {
	if factor <= 1 {
		return append(out, in...)
	}
	for _, s := range in {
		for range factor {
			out = append(out, s)
		}
	}
	return out
}
