package resources

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// HostSampler measures worker RSS, the size of the workspace tree, and the
// 1-minute load average.
type HostSampler struct {
	WorkspaceDir string
}

func NewHostSampler(workspaceDir string) *HostSampler {
	return &HostSampler{WorkspaceDir: workspaceDir}
}

func (h *HostSampler) Sample(ctx context.Context, pids []int) (Usage, error) {
	usage := Usage{}
	for _, pid := range pids {
		usage.MemoryUsageMB += rssMB(ctx, pid)
	}
	disk, err := dirSizeMB(ctx, h.WorkspaceDir)
	if err != nil {
		return usage, err
	}
	usage.DiskUsageMB = disk
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return usage, errors.Wrap(err, "sample load average")
	}
	usage.SystemLoad = avg.Load1
	return usage, nil
}

// rssMB is zero for a process that has already gone away.
func rssMB(ctx context.Context, pid int) float64 {
	if pid <= 0 {
		return 0
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}

func dirSizeMB(ctx context.Context, dir string) (float64, error) {
	if strings.TrimSpace(dir) == "" {
		return 0, nil
	}
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return float64(total) / (1024 * 1024), nil
}
