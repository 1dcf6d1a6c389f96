//go:build !linux && !darwin

package sockopt

func apply(int, Options) {}
