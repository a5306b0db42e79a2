package dsp

// The runtime cannot export a memory from a host module, so the shared
// memory is provided by a synthesized minimal wasm module: a memory
// section with the given limits and one export named "memory". Compiled
// modules import it as ("env", "memory").

func uleb(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func section(buf []byte, id byte, contents []byte) []byte {
	buf = append(buf, id)
	buf = uleb(buf, uint32(len(contents)))
	return append(buf, contents...)
}

func envModuleBytes(minPages, maxPages uint32) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// memory section: one memory with min and max limits
	var mem []byte
	mem = uleb(mem, 1)
	mem = append(mem, 0x01) // limits with max
	mem = uleb(mem, minPages)
	mem = uleb(mem, maxPages)
	out = section(out, 0x05, mem)

	// export section: export 0th memory as "memory"
	var exp []byte
	exp = uleb(exp, 1)
	exp = uleb(exp, uint32(len("memory")))
	exp = append(exp, "memory"...)
	exp = append(exp, 0x02, 0x00) // memory kind, index 0
	return section(out, 0x07, exp)
}
