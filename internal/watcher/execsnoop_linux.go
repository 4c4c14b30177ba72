//go:build linux

package watcher

// defaultCommand runs the bpftrace script installed alongside the BPF object.
func defaultCommand() ([]string, error) {
	return []string{"bpftrace", "-q", "/usr/lib/execmon/execsnoop.bpf"}, nil
}
