//go:build unix

package tools

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

// DiskCheck reports usage of the filesystem holding a path.
type DiskCheck struct{}

func (t *DiskCheck) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolDiskCheck)
}

func (t *DiskCheck) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	path, _ := inputs["path"].(string)
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}
	const gb = 1024 * 1024 * 1024
	bsize := float64(st.Bsize)
	total := float64(st.Blocks) * bsize
	free := float64(st.Bavail) * bsize
	used := total - float64(st.Bfree)*bsize
	pct := 0.0
	if used+free > 0 {
		// Same basis as df: reserved blocks count neither as used nor available.
		pct = used / (used + free) * 100
	}
	return map[string]any{
		"total_gb":      round2(total / gb),
		"free_gb":       round2(free / gb),
		"usage_percent": round2(pct),
	}, nil
}
