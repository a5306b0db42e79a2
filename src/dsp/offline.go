package dsp

import (
	"fmt"
)

// InputProvider fills in with the next frames input frames before a block
// is computed. A nil provider feeds silence.
type InputProvider func(frames int, in [][]float64) error

// OutputConsumer receives each computed block; only the first frames
// frames of out are valid.
type OutputConsumer func(frames int, out [][]float64) error

// Render drives an instance synchronously, block by block, until exactly
// totalFrames frames have been produced. The final block is truncated when
// totalFrames is not a multiple of blockLength. An instance fault aborts
// the render; there is no retry.
func Render(inst ModuleInstance, totalFrames int, blockLength int, provider InputProvider, consumer OutputConsumer) error {
	if totalFrames < 0 || blockLength <= 0 {
		return fmt.Errorf("bad render bounds: %d frames, block %d", totalFrames, blockLength)
	}
	in := make([][]float64, inst.NumInputs())
	for ch := range in {
		in[ch] = make([]float64, blockLength)
	}
	out := make([][]float64, inst.NumOutputs())
	for ch := range out {
		out[ch] = make([]float64, blockLength)
	}
	for produced := 0; produced < totalFrames; {
		frames := blockLength
		if totalFrames-produced < frames {
			frames = totalFrames - produced
		}
		if provider != nil {
			if err := provider(frames, in); err != nil {
				return err
			}
		}
		if err := inst.Compute(frames, in, out); err != nil {
			return err
		}
		if consumer != nil {
			if err := consumer(frames, out); err != nil {
				return err
			}
		}
		produced += frames
	}
	return nil
}

// RenderBuffers renders over whole pre-supplied buffers: inputs are read
// from the start, outputs filled to their full length.
func RenderBuffers(inst ModuleInstance, inputs [][]float64, outputs [][]float64, blockLength int) error {
	total := 0
	for _, ch := range outputs {
		if len(ch) > total {
			total = len(ch)
		}
	}
	pos := 0
	provider := func(frames int, in [][]float64) error {
		for ch := range in {
			for i := 0; i < frames; i++ {
				v := 0.0
				if ch < len(inputs) && pos+i < len(inputs[ch]) {
					v = inputs[ch][pos+i]
				}
				in[ch][i] = v
			}
		}
		return nil
	}
	consumer := func(frames int, out [][]float64) error {
		for ch := range out {
			if ch >= len(outputs) {
				break
			}
			n := frames
			if len(outputs[ch])-pos < n {
				n = len(outputs[ch]) - pos
			}
			copy(outputs[ch][pos:pos+n], out[ch][:n])
		}
		pos += frames
		return nil
	}
	return Render(inst, total, blockLength, provider, consumer)
}
