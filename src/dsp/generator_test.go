package dsp

import (
	"context"
	"io"
	"testing"
)

func testGenerator(t *testing.T, kind string) (*Generator, *fakeFactory) {
	t.Helper()
	ff := &fakeFactory{kind: kind}
	g := NewGenerator(testRegistry(t))
	g.factory = func(blockLen int) instanceFactory { return ff }
	return g, ff
}

func TestBuildChannelCountsMatchMetadata(t *testing.T) {
	g, _ := testGenerator(t, "gain")
	node, err := g.Build(context.Background(), testModule(t, "m", monoMetaJSON()), BuildConfig{Backend: BackendSync})
	expectNoError(t, err)
	defer node.Destroy()
	if node.NumInputs() != 1 || node.NumOutputs() != 1 {
		t.Errorf("channel counts %d/%d do not match metadata", node.NumInputs(), node.NumOutputs())
	}
}

func TestRegistrationCacheIdempotence(t *testing.T) {
	g, _ := testGenerator(t, "gain")
	ctx := context.Background()
	cfg := BuildConfig{Backend: BackendWorklet, BlockLength: 64}
	a, err := g.Build(ctx, testModule(t, "m", monoMetaJSON()), cfg)
	expectNoError(t, err)
	defer a.Destroy()
	// bit-identical module, separate value
	b, err := g.Build(ctx, testModule(t, "m", monoMetaJSON()), cfg)
	expectNoError(t, err)
	defer b.Destroy()
	if got := g.reg.Registrations(); got != 1 {
		t.Errorf("expected exactly one registration, got %d", got)
	}
}

func TestSyncNodeProcessAppliesGain(t *testing.T) {
	g, _ := testGenerator(t, "gain")
	node, err := g.Build(context.Background(), testModule(t, "m", monoMetaJSON()), BuildConfig{Backend: BackendSync, BlockLength: 8})
	expectNoError(t, err)
	defer node.Destroy()
	sn := node.(*SyncNode)
	expectNoError(t, node.SetParam("gain", 0.5))
	in := [][]float64{{1, 1, 1, 1, 1, 1, 1, 1}}
	out := [][]float64{make([]float64, 8)}
	expectNoError(t, sn.Process(8, in, out))
	for i, s := range out[0] {
		if s != 0.5 {
			t.Fatalf("sample %d is %v, expected 0.5", i, s)
		}
	}
}

func TestComputeContinuityAcrossBlockSizes(t *testing.T) {
	meta, err := ParseMeta(monoMetaJSON())
	expectNoError(t, err)
	chunked := newFakeDSP(meta, "ramp")
	oneShot := newFakeDSP(meta, "ramp")
	total := 64
	got := [][]float64{make([]float64, total)}
	for off := 0; off < total; off += 16 {
		out := [][]float64{got[0][off : off+16]}
		expectNoError(t, chunked.Compute(16, nil, out))
	}
	want := [][]float64{make([]float64, total)}
	expectNoError(t, oneShot.Compute(total, nil, want))
	for i := range want[0] {
		if got[0][i] != want[0][i] {
			t.Fatalf("stream diverges at sample %d: %v vs %v", i, got[0][i], want[0][i])
		}
	}
}

func TestBuildPolyOccupancy(t *testing.T) {
	g, _ := testGenerator(t, "voice")
	ctx := context.Background()
	voice := testModule(t, "v", voiceMetaJSON())
	mixer := testModule(t, "x", voiceMetaJSON())
	node, err := g.BuildPoly(ctx, voice, mixer, nil, BuildConfig{Backend: BackendSync, BlockLength: 16, Voices: 4})
	expectNoError(t, err)
	defer node.Destroy()
	for note := 60; note < 65; note++ {
		node.KeyOn(note, 1)
	}
	sn := node.(*SyncNode)
	if sn.pool.Active() != 4 {
		t.Errorf("expected 4 active voices, got %d", sn.pool.Active())
	}
}

func TestWorkletReadAndDestroy(t *testing.T) {
	g, _ := testGenerator(t, "gain")
	node, err := g.Build(context.Background(), testModule(t, "m", monoMetaJSON()), BuildConfig{Backend: BackendWorklet, BlockLength: 64})
	expectNoError(t, err)
	wn := node.(*WorkletNode)
	buf := make([]byte, 64*outBytesPerSample)
	n, err := wn.Read(buf)
	expectNoError(t, err)
	if n != len(buf) {
		t.Errorf("read %d bytes, expected %d", n, len(buf))
	}
	wn.Destroy()
	if _, err := wn.Read(buf); err != io.EOF {
		t.Errorf("expected EOF after Destroy, got %v", err)
	}
}

func TestWorkletParamMirror(t *testing.T) {
	g, _ := testGenerator(t, "gain")
	node, err := g.Build(context.Background(), testModule(t, "m", monoMetaJSON()), BuildConfig{Backend: BackendWorklet, BlockLength: 64})
	expectNoError(t, err)
	defer node.Destroy()
	v, err := node.GetParam("gain")
	expectNoError(t, err)
	if v != 1 {
		t.Errorf("expected the declared init 1, got %v", v)
	}
	expectNoError(t, node.SetParam("gain", 0.25))
	v, err = node.GetParam("gain")
	expectNoError(t, err)
	if v != 0.25 {
		t.Errorf("mirror did not keep the last write, got %v", v)
	}
}

func TestWorkletRoutesEffectParams(t *testing.T) {
	g, _ := testGenerator(t, "voice")
	ctx := context.Background()
	voice := testModule(t, "v", voiceMetaJSON())
	mixer := testModule(t, "x", voiceMetaJSON())
	effect := testModule(t, "e", effectMetaJSON())
	node, err := g.BuildPoly(ctx, voice, mixer, effect, BuildConfig{Backend: BackendWorklet, BlockLength: 16, Voices: 2})
	expectNoError(t, err)
	defer node.Destroy()
	v, err := node.GetParam("wet")
	expectNoError(t, err)
	if v != 0.3 {
		t.Errorf("expected the effect init 0.3, got %v", v)
	}
	expectNoError(t, node.SetParam("wet", 0.7))
	wn := node.(*WorkletNode)
	buf := make([]byte, 16*outBytesPerSample)
	if _, err := wn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := wn.pool.effect.GetParam("wet")
	expectNoError(t, err)
	if got != 0.7 {
		t.Errorf("effect did not receive the write, got %v", got)
	}
}

func TestWorkletFaultDisconnectsSilently(t *testing.T) {
	g, _ := testGenerator(t, "fault")
	node, err := g.Build(context.Background(), testModule(t, "m", monoMetaJSON()), BuildConfig{Backend: BackendWorklet, BlockLength: 64})
	expectNoError(t, err)
	wn := node.(*WorkletNode)
	buf := make([]byte, 64*outBytesPerSample)
	if _, err := wn.Read(buf); err != io.EOF {
		t.Errorf("expected a silent disconnect (EOF), got %v", err)
	}
}
