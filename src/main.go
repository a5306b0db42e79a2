package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/audiotools/dspnode/src/dsp"
	"golang.org/x/sync/errgroup"
)

const sockFileName = "/tmp/dspnode.sock"

var (
	wasmPath   = flag.String("wasm", "", "mono module binary")
	metaPath   = flag.String("meta", "", "mono module metadata JSON")
	voicePath  = flag.String("voice", "", "voice module binary (poly)")
	voiceMeta  = flag.String("voice-meta", "", "voice module metadata JSON (poly)")
	mixerPath  = flag.String("mixer", "", "mixer module binary (poly)")
	mixerMeta  = flag.String("mixer-meta", "", "mixer module metadata JSON (poly)")
	effectPath = flag.String("effect", "", "effect module binary (poly, optional)")
	effectMeta = flag.String("effect-meta", "", "effect module metadata JSON (poly, optional)")
	numVoices  = flag.Int("voices", 16, "polyphony")
	blockLen   = flag.Int("block", 1024, "block length in frames")
	sampleRate = flag.Int("rate", 48000, "sample rate")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Lshortfile)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg, err := dsp.NewRegistry(ctx)
	if err != nil {
		log.Fatalf("error: %v\n", err)
	}
	defer reg.Close(ctx)

	node, err := buildNode(ctx, reg)
	if err != nil {
		log.Fatalf("error: %v\n", err)
	}
	defer node.Destroy()
	log.Printf("node ready: %d in, %d out\n", node.NumInputs(), node.NumOutputs())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(signalCh)
		cancel()
	}()
	go func() {
		sig := <-signalCh
		log.Printf("Caught signal %s: shutting down...\n", sig)
		cancel()
	}()

	starter, ok := node.(interface{ Start(context.Context) error })
	if !ok {
		log.Fatalf("error: node has no real-time loop\n")
	}
	err = withIPCConnection(ctx, func(conn net.Conn) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return starter.Start(ctx)
		})
		g.Go(func() error {
			return receiveCommands(ctx, conn, node)
		})
		g.Go(func() error {
			for data := range dsp.ListenToMidiIn(ctx) {
				dsp.RouteMidi(data, node)
			}
			return nil
		})
		return g.Wait()
	})
	if err != nil {
		log.Fatalf("error: %v\n", err)
	}
	log.Println("main() ended.")
}

func buildNode(ctx context.Context, reg *dsp.Registry) (dsp.Node, error) {
	gen := dsp.NewGenerator(reg)
	cfg := dsp.BuildConfig{
		Backend:     dsp.BackendWorklet,
		BlockLength: *blockLen,
		SampleRate:  *sampleRate,
		Voices:      *numVoices,
	}
	if *voicePath != "" {
		voice, err := dsp.LoadCompiledModule("voice", *voicePath, *voiceMeta)
		if err != nil {
			return nil, err
		}
		mixer, err := dsp.LoadCompiledModule("mixer", *mixerPath, *mixerMeta)
		if err != nil {
			return nil, err
		}
		var effect *dsp.CompiledModule
		if *effectPath != "" {
			effect, err = dsp.LoadCompiledModule("effect", *effectPath, *effectMeta)
			if err != nil {
				return nil, err
			}
		}
		return gen.BuildPoly(ctx, voice, mixer, effect, cfg)
	}
	if *wasmPath == "" {
		return nil, fmt.Errorf("either -wasm or -voice is required")
	}
	cm, err := dsp.LoadCompiledModule("main", *wasmPath, *metaPath)
	if err != nil {
		return nil, err
	}
	return gen.Build(ctx, cm, cfg)
}

func withIPCConnection(ctx context.Context, f func(net.Conn) error) error {
	os.Remove(sockFileName)
	listener, err := new(net.ListenConfig).Listen(ctx, "unix", sockFileName)
	if err != nil {
		return err
	}
	defer func() {
		log.Println("Closing IPC...")
		if err := listener.Close(); err != nil {
			log.Printf("error while closing listener: %v", err)
		}
		os.Remove(sockFileName)
	}()
	log.Printf("start listening...\n")
	conn, err := listener.Accept()
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("error while closing connection: %v", err)
		}
	}()
	return f(conn)
}

func receiveCommands(ctx context.Context, conn net.Conn, node dsp.Node) error {
	reader := bufio.NewReader(conn)
	var line []byte
loop:
	for {
		select {
		case <-ctx.Done():
			log.Println("Connection interrupted")
			break loop
		default:
		}
		next, isPrefix, err := reader.ReadLine()
		if err == io.EOF {
			break loop
		}
		if err != nil {
			return err
		}
		line = append(line, next...)
		if isPrefix {
			continue
		}
		command, err := parseCommand(string(line))
		if err != nil {
			return err
		}
		if err := applyCommand(command, node, conn); err != nil {
			log.Printf("command failed: %v\n", err)
		}
		line = []byte{}
	}
	log.Println("receiveCommands() ended.")
	return nil
}

func parseCommand(line string) ([]string, error) {
	lineStr := strings.Split(line, " ")
	for i, item := range lineStr {
		escaped, err := url.QueryUnescape(item)
		if err != nil {
			return nil, err
		}
		lineStr[i] = escaped
	}
	return lineStr, nil
}

func applyCommand(command []string, node dsp.Node, conn net.Conn) error {
	poly, _ := node.(dsp.PolyNode)
	switch command[0] {
	case "set":
		if len(command) != 3 {
			return fmt.Errorf("usage: set <path> <value>")
		}
		value, err := strconv.ParseFloat(command[2], 64)
		if err != nil {
			return err
		}
		return node.SetParam(command[1], value)
	case "get":
		if len(command) != 2 {
			return fmt.Errorf("usage: get <path>")
		}
		value, err := node.GetParam(command[1])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(conn, "%s %s\n", command[1], strconv.FormatFloat(value, 'f', 6, 64))
		return err
	case "meta":
		_, err := conn.Write(append(node.GetMeta(), '\n'))
		return err
	case "note_on":
		if poly == nil || len(command) < 2 {
			return fmt.Errorf("note_on needs a poly node")
		}
		note, err := strconv.ParseInt(command[1], 10, 32)
		if err != nil {
			return err
		}
		gain := 1.0
		if len(command) > 2 {
			gain, err = strconv.ParseFloat(command[2], 64)
			if err != nil {
				return err
			}
		}
		poly.KeyOn(int(note), gain)
		return nil
	case "note_off":
		if poly == nil || len(command) != 2 {
			return fmt.Errorf("note_off needs a poly node")
		}
		note, err := strconv.ParseInt(command[1], 10, 32)
		if err != nil {
			return err
		}
		poly.KeyOff(int(note))
		return nil
	case "all_notes_off":
		if poly == nil {
			return fmt.Errorf("all_notes_off needs a poly node")
		}
		poly.AllNotesOff()
		return nil
	default:
		return fmt.Errorf("unknown command %v", command[0])
	}
}
