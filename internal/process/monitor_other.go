//go:build !linux

package process

func setupParentDeathSignal() error {
	return nil
}
