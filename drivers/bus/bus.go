// Package bus abstracts the register-level transport shared by the flow
// sensor and the pump driver. A transaction writes w to the device at addr
// and then, if r is non-empty, reads len(r) bytes back.
package bus

// Bus is implemented by the platform's I²C (or compatible) master.
type Bus interface {
	Tx(addr uint8, w, r []byte) error
}
