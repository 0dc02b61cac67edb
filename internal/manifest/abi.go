package manifest

// Abi describes the interface shape a module was compiled against. The
// value is treated as an opaque descriptor: it is carried through the
// registry, lockfile and store, and compared for compatibility when graphs
// merge, but never derived from module binaries here.
type Abi string

const (
	AbiNone       Abi = "none"
	AbiEmscripten Abi = "emscripten"
	AbiWasi       Abi = "wasi"
	AbiWasm4      Abi = "wasm4"
)

// Valid reports whether the descriptor is one of the known shapes. The
// empty string is valid and means AbiNone.
func (a Abi) Valid() bool {
	switch a {
	case "", AbiNone, AbiEmscripten, AbiWasi, AbiWasm4:
		return true
	}
	return false
}

// Norm maps the empty descriptor to AbiNone.
func (a Abi) Norm() Abi {
	if a == "" {
		return AbiNone
	}
	return a
}

// Compatible reports whether two descriptors can share an exposed name.
// AbiNone is compatible with everything; anything else must match exactly.
func (a Abi) Compatible(b Abi) bool {
	an, bn := a.Norm(), b.Norm()
	return an == bn || an == AbiNone || bn == AbiNone
}
