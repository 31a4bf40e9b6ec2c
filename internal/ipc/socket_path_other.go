//go:build !unix

package ipc

func validateSocketPath(string) error { return nil }
