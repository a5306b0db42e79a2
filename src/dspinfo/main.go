// Command dspinfo prints what a compiled module pair declares: channel
// counts, compile options, sample width, fingerprint and the flattened
// parameter table.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/audiotools/dspnode/src/dsp"
)

var (
	wasmPath = flag.String("wasm", "", "module binary")
	metaPath = flag.String("meta", "", "module metadata JSON")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Lshortfile)
	if *wasmPath == "" || *metaPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	cm, err := dsp.LoadCompiledModule("inspect", *wasmPath, *metaPath)
	if err != nil {
		log.Fatalf("error: %v\n", err)
	}
	m := cm.Meta
	fmt.Printf("name:        %s\n", m.Name)
	fmt.Printf("inputs:      %d\n", m.NumInputs)
	fmt.Printf("outputs:     %d\n", m.NumOutputs)
	fmt.Printf("options:     %s\n", m.CompileOptions)
	fmt.Printf("width:       %d bytes\n", m.SampleWidth())
	fmt.Printf("fingerprint: %s\n", cm.Fingerprint())
	fmt.Printf("controls:\n")
	for _, c := range m.Controls {
		fmt.Printf("  %-10s %-40s addr=%-6d init=%g min=%g max=%g step=%g\n",
			c.Type, c.Path, c.Addr, c.Init, c.Min, c.Max, c.Step)
	}
}
