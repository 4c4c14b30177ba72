// bpfobject_embed_linux.go: embedded BPF object variant.
//
// This file is compiled when the "bpf_embedded" build tag is set, which
// requires the compiled execmon.bpf.o to exist in this directory.
//
// Build sequence:
//
//	make -C internal/watcher/ebpf   # compile execmon.bpf.c → execmon.bpf.o
//	go build -tags bpf_embedded ./cmd/execmon
//
//go:build linux && bpf_embedded

package ebpf

import _ "embed"

//go:embed execmon.bpf.o
var _embeddedBPFObject []byte

func init() {
	// Loader.Start prefers the embedded object over capture.bpf_object.
	embeddedObject = _embeddedBPFObject
}
