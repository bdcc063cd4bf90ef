package trafficlog

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Volume reports storage utilisation for the log file
type Volume interface {
	Usage(path string) (used, total uint64, err error)
}

// FilesystemVolume measures the filesystem holding the log
type FilesystemVolume struct{}

func (FilesystemVolume) Usage(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	if free > total {
		free = total
	}
	return total - free, total, nil
}

// QuotaVolume treats a fixed byte budget as the whole volume
type QuotaVolume struct {
	Quota uint64
}

func (q QuotaVolume) Usage(path string) (uint64, uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, q.Quota, nil
		}
		return 0, 0, err
	}
	return uint64(fi.Size()), q.Quota, nil
}
