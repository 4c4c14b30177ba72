//go:build !linux && !darwin

package watcher

func defaultCommand() ([]string, error) {
	return nil, ErrUnsupportedPlatform
}
