package fsutil

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
)

// WriteFileAtomic writes a file through a pending sibling that replaces path
// only once its content and the directory entry are synced, so readers either
// see the previous file or the complete new one.
func WriteFileAtomic(path string, perm os.FileMode, write func(w io.Writer) error) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithStaticPermissions(perm))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer pending.Cleanup()

	if err := write(pending); err != nil {
		return err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
