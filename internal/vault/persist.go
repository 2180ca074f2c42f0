package vault

import "os"

// syncedWriteFile writes data to a file and calls fsync so metadata survives
// sudden power loss. Use this instead of os.WriteFile for anything the store
// relies on after a restart.
//
// During tests fsync is skipped (FILEVAULT_TEST=1): test fixtures live in
// temp directories that are discarded anyway, and fsync dominates test time
// on some platforms.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}

	if os.Getenv("FILEVAULT_TEST") == "" {
		if err := f.Sync(); err != nil {
			return err
		}
	}

	return nil
}
