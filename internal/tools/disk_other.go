//go:build !unix

package tools

import (
	"context"
	"errors"

	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

// DiskCheck reports usage of the filesystem holding a path.
type DiskCheck struct{}

func (t *DiskCheck) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolDiskCheck)
}

func (t *DiskCheck) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return nil, errors.New("disk_check is not supported on this platform")
}
