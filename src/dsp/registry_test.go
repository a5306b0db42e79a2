package dsp

import (
	"context"
	"errors"
	"testing"
)

// wasm module exporting the full required set, but every export has a
// ()->() signature, so the size queries produce no value.
func voidExportsModuleBytes() []byte {
	names := []string{"getMemSize", "getStaticMemSize", "instantiate", "init", "compute", "getParamValue", "setParamValue"}
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = section(out, 0x01, []byte{0x01, 0x60, 0x00, 0x00})
	var fns []byte
	fns = uleb(fns, uint32(len(names)))
	for range names {
		fns = uleb(fns, 0)
	}
	out = section(out, 0x03, fns)
	var exp []byte
	exp = uleb(exp, uint32(len(names)))
	for i, name := range names {
		exp = uleb(exp, uint32(len(name)))
		exp = append(exp, name...)
		exp = append(exp, 0x00)
		exp = uleb(exp, uint32(i))
	}
	out = section(out, 0x07, exp)
	var code []byte
	code = uleb(code, uint32(len(names)))
	for range names {
		code = append(code, 0x02, 0x00, 0x0b)
	}
	return section(out, 0x0a, code)
}

func TestRegisterRejectsSizeExportsWithoutResult(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(ctx)
	expectNoError(t, err)
	defer reg.Close(ctx)
	cm, err := NewCompiledModule("void", voidExportsModuleBytes(), monoMetaJSON())
	expectNoError(t, err)
	_, _, err = reg.Register(ctx, cm)
	if !errors.Is(err, ErrInstantiation) {
		t.Fatalf("expected an instantiation failure, got %v", err)
	}
	if reg.Registrations() != 0 {
		t.Errorf("a failed registration must not be cached, got %d", reg.Registrations())
	}
}
