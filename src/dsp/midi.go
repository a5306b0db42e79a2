package dsp

import (
	"context"
	"log"

	"gitlab.com/gomidi/rtmididrv"
)

// ListenToMidiIn opens the first MIDI IN port and streams raw messages
// until ctx is cancelled.
func ListenToMidiIn(ctx context.Context) <-chan []byte {
	ch := make(chan []byte, 65536)
	go func() {
		drv, err := rtmididrv.New()
		if err != nil {
			log.Printf("failed to initialize MIDI driver: %v\n", err)
			return
		}
		defer func() {
			if err := drv.Close(); err != nil {
				log.Printf("failed to close MIDI driver: %v\n", err)
			}
		}()
		ins, err := drv.Ins()
		if err != nil {
			log.Printf("failed to get MIDI IN: %v\n", err)
			return
		}
		log.Printf("MIDI IN: %v\n", ins)
		if len(ins) == 0 {
			log.Println("WARN: MIDI IN not found")
			return
		}
		in := ins[0]
		if err := in.Open(); err != nil {
			log.Printf("failed to open MIDI IN: %v\n", err)
			return
		}
		log.Println("opened " + in.String())
		defer func() {
			if err := in.Close(); err != nil {
				log.Printf("failed to close MIDI IN: %v\n", err)
			}
		}()
		log.Println("start listening MIDI IN...")
		if err := in.SetListener(func(data []byte, deltaMicroseconds int64) {
			ch <- data
		}); err != nil {
			log.Println("failed to set listener: " + err.Error())
		}
		defer func() {
			log.Println("stop listening MIDI IN...")
			if err := in.StopListening(); err != nil {
				log.Printf("failed to stop listening: %v\n", err)
			}
		}()
		defer close(ch)
		<-ctx.Done()
	}()
	return ch
}

// RouteMidi translates one raw MIDI message onto a node's control surface.
// Mono nodes only receive channel-mode handling through the PolyNode
// check; everything note-shaped needs a polyphonic node.
func RouteMidi(data []byte, node Node) {
	if len(data) < 2 {
		return
	}
	poly, ok := node.(PolyNode)
	if !ok {
		return
	}
	switch data[0] >> 4 {
	case 0x8: // note off
		poly.KeyOff(int(data[1]))
	case 0x9: // note on, velocity 0 means off
		if len(data) < 3 {
			return
		}
		if data[2] == 0 {
			poly.KeyOff(int(data[1]))
		} else {
			poly.KeyOn(int(data[1]), float64(data[2])/127)
		}
	case 0xB: // control change
		if len(data) < 3 {
			return
		}
		poly.CtrlChange(int(data[1]), int(data[2]))
	case 0xE: // pitch bend, 14 bit, +-2 semitones
		if len(data) < 3 {
			return
		}
		raw := int(data[1]) | int(data[2])<<7
		poly.PitchWheel(float64(raw-8192) / 8192 * 2)
	}
}
