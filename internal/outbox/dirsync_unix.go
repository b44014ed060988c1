//go:build !windows

package outbox

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// syncDir flushes a directory so a rename inside it survives power loss.
// Filesystems that cannot sync a directory answer EINVAL, which is ignored.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open outbox dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return fmt.Errorf("sync outbox dir: %w", err)
	}
	return nil
}
