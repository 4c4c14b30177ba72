//go:build darwin

package watcher

// defaultCommand runs the dtrace script. dtrace needs root and, on recent
// macOS releases, System Integrity Protection relaxed for dtrace.
func defaultCommand() ([]string, error) {
	return []string{"dtrace", "-q", "-s", "/usr/local/lib/execmon/execsnoop.d"}, nil
}
