package dsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/hajimehoshi/oto"
)

const (
	outChannelNum      = 2
	outBitDepthInBytes = 2
)
const outBytesPerSample = outChannelNum * outBitDepthInBytes

// ----- Commands ----- //

// Parameter changes and note events cross into the real-time context as
// fire-and-forget messages. Last writer wins per control; nothing is
// acknowledged.
type cmdKind int

const (
	cmdSetParam cmdKind = iota
	cmdKeyOn
	cmdKeyOff
	cmdAllNotesOff
	cmdCtrlChange
	cmdPitchWheel
)

type command struct {
	kind      cmdKind
	path      string
	value     float64
	note      int
	gain      float64
	ctrl      int
	ctrlValue int
}

// ----- WorkletNode ----- //

// WorkletNode is the isolated-worklet backend: compute runs on a dedicated
// real-time context (the audio player's pull loop), one fixed-size quantum
// per Read. The node implements io.Reader; Start connects it to the output
// device and blocks until the context is cancelled or the node destroyed.
type WorkletNode struct {
	proc       ModuleInstance
	pool       *Pool // nil for mono nodes
	blockLen   int
	sampleRate int

	ctx  context.Context
	cmds chan command
	stop chan struct{}
	once sync.Once

	mu      sync.Mutex // serializes quanta against Destroy
	stopped bool

	mirrorMu sync.Mutex
	mirror   map[string]float64

	in  [][]float64
	out [][]float64
}

var _ io.Reader = (*WorkletNode)(nil)
var _ Node = (*WorkletNode)(nil)
var _ PolyNode = (*WorkletNode)(nil)

func newWorkletNode(proc ModuleInstance, pool *Pool, blockLen int, sampleRate int) *WorkletNode {
	n := &WorkletNode{
		proc:       proc,
		pool:       pool,
		blockLen:   blockLen,
		sampleRate: sampleRate,
		ctx:        context.Background(),
		cmds:       make(chan command, 256),
		stop:       make(chan struct{}),
		mirror:     map[string]float64{},
	}
	for ch := 0; ch < proc.NumInputs(); ch++ {
		n.in = append(n.in, make([]float64, blockLen))
	}
	for ch := 0; ch < proc.NumOutputs(); ch++ {
		n.out = append(n.out, make([]float64, blockLen))
	}
	for _, c := range proc.Meta().Controls {
		n.mirror[c.Path] = c.Init
	}
	if pool != nil && pool.effect != nil {
		for _, c := range pool.effect.Meta().Controls {
			n.mirror[c.Path] = c.Init
		}
	}
	return n
}

// controlByPath resolves a path against the same routing the processor
// applies: for a pool that includes the effect module's controls.
func (n *WorkletNode) controlByPath(path string) *Control {
	if n.pool != nil {
		return n.pool.ControlByPath(path)
	}
	return n.proc.Meta().ControlByPath(path)
}

// Start opens the output device and pulls quanta from the node until ctx
// is cancelled or the node is destroyed.
func (n *WorkletNode) Start(ctx context.Context) error {
	otoContext, err := oto.NewContext(n.sampleRate, outChannelNum, outBitDepthInBytes, n.blockLen*outBytesPerSample)
	if err != nil {
		return fmt.Errorf("audio output: %v", err)
	}
	defer otoContext.Close()
	p := otoContext.NewPlayer()
	defer func() {
		if err := p.Close(); err != nil {
			log.Printf("error while closing player: %v\n", err)
		}
	}()
	n.ctx = ctx

	// blocks until cancel or EOF
	if _, err := io.CopyBuffer(p, n, make([]byte, n.blockLen*outBytesPerSample)); err != nil {
		return err
	}
	log.Println("worklet loop ended.")
	return nil
}

// Read computes one quantum. A runtime fault disconnects the node silently
// instead of propagating into the host's audio processing.
func (n *WorkletNode) Read(buf []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return 0, io.EOF
	}
	select {
	case <-n.stop:
		n.teardown()
		return 0, io.EOF
	case <-n.ctx.Done():
		n.teardown()
		return 0, io.EOF
	default:
	}
	n.drainCommands()
	frames := len(buf) / outBytesPerSample
	done := 0
	for done < frames {
		k := frames - done
		if k > n.blockLen {
			k = n.blockLen
		}
		if err := n.proc.Compute(k, n.in, n.out); err != nil {
			log.Printf("runtime fault, disconnecting: %v\n", err)
			n.teardown()
			if done == 0 {
				return 0, io.EOF
			}
			break
		}
		writeFrames(buf[done*outBytesPerSample:], n.out, k)
		done += k
	}
	return done * outBytesPerSample, nil
}

// caller holds mu
func (n *WorkletNode) teardown() {
	if n.stopped {
		return
	}
	n.stopped = true
	n.proc.Close()
}

// caller holds mu
func (n *WorkletNode) drainCommands() {
	for {
		select {
		case c := <-n.cmds:
			n.apply(c)
		default:
			return
		}
	}
}

func (n *WorkletNode) apply(c command) {
	switch c.kind {
	case cmdSetParam:
		if err := n.proc.SetParam(c.path, c.value); err != nil {
			log.Printf("set %q failed: %v\n", c.path, err)
		}
	case cmdKeyOn:
		if n.pool != nil {
			n.pool.NoteOn(c.note, c.gain)
		}
	case cmdKeyOff:
		if n.pool != nil {
			n.pool.NoteOff(c.note)
		}
	case cmdAllNotesOff:
		if n.pool != nil {
			n.pool.AllNotesOff()
		}
	case cmdCtrlChange:
		if n.pool != nil {
			n.pool.CtrlChange(c.ctrl, c.ctrlValue)
		}
	case cmdPitchWheel:
		if n.pool != nil {
			n.pool.PitchWheel(c.value)
		}
	}
}

// writeFrames converts float64 frames to 16-bit little-endian stereo, the
// device format. A mono output is duplicated to both device channels.
func writeFrames(buf []byte, out [][]float64, frames int) {
	for i := 0; i < frames; i++ {
		for ch := 0; ch < outChannelNum; ch++ {
			value := 0.0
			if len(out) > 0 {
				src := ch
				if src >= len(out) {
					src = len(out) - 1
				}
				value = out[src][i]
			}
			if value > 1 {
				value = 1
			}
			if value < -1 {
				value = -1
			}
			const max = 32767
			b := int16(value * max)
			buf[outBytesPerSample*i+2*ch] = byte(b)
			buf[outBytesPerSample*i+2*ch+1] = byte(b >> 8)
		}
	}
}

// send is fire-and-forget; a full channel drops the message.
func (n *WorkletNode) send(c command) {
	select {
	case n.cmds <- c:
	default:
		log.Println("command channel full, dropping")
	}
}

// GetParam reads the control-side mirror of the last written value; reads
// never cross into the real-time context.
func (n *WorkletNode) GetParam(path string) (float64, error) {
	c := n.controlByPath(path)
	if c == nil {
		return 0, fmt.Errorf("unknown param %q", path)
	}
	n.mirrorMu.Lock()
	defer n.mirrorMu.Unlock()
	return n.mirror[c.Path], nil
}

func (n *WorkletNode) SetParam(path string, value float64) error {
	c := n.controlByPath(path)
	if c == nil {
		return fmt.Errorf("unknown param %q", path)
	}
	n.mirrorMu.Lock()
	n.mirror[c.Path] = value
	n.mirrorMu.Unlock()
	n.send(command{kind: cmdSetParam, path: c.Path, value: value})
	return nil
}

func (n *WorkletNode) GetMeta() json.RawMessage {
	return n.proc.Meta().Raw()
}

func (n *WorkletNode) NumInputs() int  { return n.proc.NumInputs() }
func (n *WorkletNode) NumOutputs() int { return n.proc.NumOutputs() }

// Destroy signals the real-time side to stop; the in-flight quantum is
// allowed to finish, no further quanta are computed.
func (n *WorkletNode) Destroy() {
	n.once.Do(func() { close(n.stop) })
	n.mu.Lock()
	n.teardown()
	n.mu.Unlock()
}

func (n *WorkletNode) KeyOn(note int, gain float64) {
	n.send(command{kind: cmdKeyOn, note: note, gain: gain})
}

func (n *WorkletNode) KeyOff(note int) {
	n.send(command{kind: cmdKeyOff, note: note})
}

func (n *WorkletNode) AllNotesOff() {
	n.send(command{kind: cmdAllNotesOff})
}

func (n *WorkletNode) CtrlChange(ctrl int, value int) {
	n.send(command{kind: cmdCtrlChange, ctrl: ctrl, ctrlValue: value})
}

func (n *WorkletNode) PitchWheel(semitones float64) {
	n.send(command{kind: cmdPitchWheel, value: semitones})
}
