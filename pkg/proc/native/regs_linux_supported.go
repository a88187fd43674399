//go:build linux && (amd64 || 386 || arm || arm64 || riscv64 || ppc64le || loong64)

package native

func regsSupported() error {
	return nil
}
