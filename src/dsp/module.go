package dsp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ----- Errors ----- //

// Failure categories. Every error returned by this package wraps one of
// these, so callers can sort failures with errors.Is.
var (
	ErrCompile       = fmt.Errorf("compile failure")
	ErrInstantiation = fmt.Errorf("instantiation failure")
	ErrRegistration  = fmt.Errorf("registration failure")
	ErrRuntimeFault  = fmt.Errorf("runtime fault")
)

// ----- Metadata ----- //

// Control is one flattened entry of the UI descriptor tree. Addr is the
// storage address the compiled module uses for getParamValue/setParamValue.
type Control struct {
	Type    string
	Label   string
	Path    string
	Addr    uint32
	Init    float64
	Min     float64
	Max     float64
	Step    float64
	Passive bool
}

type uiNode struct {
	Type    string            `json:"type"`
	Label   string            `json:"label"`
	Address uint32            `json:"address"`
	Init    float64           `json:"init"`
	Min     float64           `json:"min"`
	Max     float64           `json:"max"`
	Step    float64           `json:"step"`
	Items   []json.RawMessage `json:"items"`
}

type metaJSON struct {
	Name           string            `json:"name"`
	NumInputs      int               `json:"numInputs"`
	NumOutputs     int               `json:"numOutputs"`
	CompileOptions string            `json:"compileOptions"`
	UI             []json.RawMessage `json:"ui"`
}

// Meta is the parsed metadata document of a compiled module.
type Meta struct {
	Name           string
	NumInputs      int
	NumOutputs     int
	CompileOptions string
	Controls       []*Control
	raw            json.RawMessage
	byPath         map[string]*Control
}

// ParseMeta parses the JSON metadata document delivered with a compiled
// module and flattens its UI descriptor tree into addressable controls.
func ParseMeta(raw []byte) (*Meta, error) {
	var j metaJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("%w: bad metadata: %v", ErrInstantiation, err)
	}
	if j.NumInputs < 0 || j.NumOutputs < 0 {
		return nil, fmt.Errorf("%w: negative channel count", ErrInstantiation)
	}
	m := &Meta{
		Name:           j.Name,
		NumInputs:      j.NumInputs,
		NumOutputs:     j.NumOutputs,
		CompileOptions: j.CompileOptions,
		raw:            append(json.RawMessage{}, raw...),
		byPath:         map[string]*Control{},
	}
	for _, item := range j.UI {
		if err := m.flatten(item, ""); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Meta) flatten(raw json.RawMessage, prefix string) error {
	var n uiNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("%w: bad ui node: %v", ErrInstantiation, err)
	}
	switch n.Type {
	case "tgroup", "hgroup", "vgroup", "group":
		prefix = prefix + "/" + pathLabel(n.Label)
		for _, item := range n.Items {
			if err := m.flatten(item, prefix); err != nil {
				return err
			}
		}
		return nil
	case "hslider", "vslider", "nentry", "button", "checkbox",
		"hbargraph", "vbargraph":
		c := &Control{
			Type:    n.Type,
			Label:   n.Label,
			Path:    prefix + "/" + pathLabel(n.Label),
			Addr:    n.Address,
			Init:    n.Init,
			Min:     n.Min,
			Max:     n.Max,
			Step:    n.Step,
			Passive: n.Type == "hbargraph" || n.Type == "vbargraph",
		}
		m.Controls = append(m.Controls, c)
		m.byPath[c.Path] = c
		return nil
	default:
		return fmt.Errorf("%w: unknown ui node type %q", ErrInstantiation, n.Type)
	}
}

func pathLabel(label string) string {
	return strings.ReplaceAll(strings.TrimSpace(label), " ", "_")
}

// ControlByPath resolves a control by its full path, or by an unambiguous
// suffix ("freq" finds "/synth/freq" as long as nothing else ends in "freq").
func (m *Meta) ControlByPath(path string) *Control {
	if c, ok := m.byPath[path]; ok {
		return c
	}
	var found *Control
	for _, c := range m.Controls {
		if strings.HasSuffix(c.Path, "/"+strings.TrimPrefix(path, "/")) {
			if found != nil {
				return nil // ambiguous
			}
			found = c
		}
	}
	return found
}

// SampleWidth returns the sample storage width in bytes, resolved from the
// precision flag in compileOptions.
func (m *Meta) SampleWidth() int {
	if strings.Contains(m.CompileOptions, "-double") {
		return 8
	}
	return 4
}

// Raw returns the unparsed metadata document.
func (m *Meta) Raw() json.RawMessage {
	return m.raw
}

// ----- CompiledModule ----- //

// CompiledModule pairs a compiled binary module with its metadata. It is
// immutable and may be shared across any number of instantiations.
type CompiledModule struct {
	Name  string
	Bytes []byte
	Meta  *Meta
}

// NewCompiledModule wraps raw module bytes and a raw metadata document.
func NewCompiledModule(name string, wasm []byte, meta []byte) (*CompiledModule, error) {
	m, err := ParseMeta(meta)
	if err != nil {
		return nil, err
	}
	return &CompiledModule{Name: name, Bytes: wasm, Meta: m}, nil
}

// LoadCompiledModule reads a module pair (binary + metadata JSON) off disk.
func LoadCompiledModule(name string, wasmPath string, metaPath string) (*CompiledModule, error) {
	wasm, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstantiation, err)
	}
	meta, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstantiation, err)
	}
	return NewCompiledModule(name, wasm, meta)
}

// Fingerprint is a stable identity over the module binary and its metadata,
// used as the registration cache key.
func (cm *CompiledModule) Fingerprint() string {
	h := sha256.New()
	h.Write(cm.Bytes)
	h.Write(cm.Meta.raw)
	return hex.EncodeToString(h.Sum(nil))
}

// ----- Compiler collaborator ----- //

// Compiler is the external DSP-to-binary compiler. It lives outside this
// package; only its boundary is known here.
type Compiler interface {
	Compile(ctx context.Context, name string, source string, options []string) (*CompiledModule, error)
}

// Compile delegates to the external compiler and normalizes its failure
// modes: an error or a nil result both mean "no module produced".
func Compile(ctx context.Context, c Compiler, name string, source string, options []string) (*CompiledModule, error) {
	cm, err := c.Compile(ctx, name, source, options)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	if cm == nil {
		return nil, fmt.Errorf("%w: compiler produced no module", ErrCompile)
	}
	return cm, nil
}
