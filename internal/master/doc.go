// Package master implements the coordinating node of the build fleet.
//
// The master never executes work. It keeps a registry of connected slaves
// and their capabilities, matches submitted commands to idle slaves with a
// best-fit scheduler, and drives every slave through the IDLE/COMMAND
// handshake:
//
//	Disconnected --IDLE--> Idle --COMMAND--> Dispatched --IDLE--> Idle
//	        ^                |                    |
//	        +----------------+--------------------+  (BYE, eviction, timeout)
//
// All state transitions are serialized by the Engine. The Master type wires
// the engine to a transport and runs the receive loops.
package master
