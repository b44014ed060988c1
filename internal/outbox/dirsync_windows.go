package outbox

// syncDir is a no-op: directory handles cannot be flushed on Windows and
// NTFS journals the rename itself.
func syncDir(string) error {
	return nil
}
