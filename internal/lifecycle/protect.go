package lifecycle

import (
	"os"

	"github.com/pkg/xattr"

	"github.com/driftfs/driftfs/pkg/errors"
)

const hiddenAttr = "user.driftfs.hidden"

// PosixProtector implements spec step 6's back-end protection: it locks
// LOCAL and EXTERNAL to owner-only access and tags them with a "hidden"
// extended attribute so a user browsing the back-end directly sees the
// overlay is not meant to be touched. POSIX has no portable deny-ACL
// primitive outside the permission bits themselves, so mode 0700 is the
// actual enforcement; the xattr is an advisory marker, following the same
// best-effort-metadata idiom rclone uses xattr for on its local backend.
type PosixProtector struct{}

func (PosixProtector) Protect(path string) error {
	if err := chmodPath(path, 0700); err != nil {
		return err
	}
	return xattr.Set(path, hiddenAttr, []byte("1"))
}

func (PosixProtector) Unprotect(path string) error {
	if err := chmodPath(path, 0755); err != nil {
		return err
	}
	if err := xattr.Remove(path, hiddenAttr); err != nil {
		// Best-effort: a filesystem without xattr support (or one where the
		// attribute was never set) shouldn't block an unmount.
		return nil
	}
	return nil
}

func chmodPath(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return errors.New(errors.KindIO, "change backend directory mode").
			WithComponent("lifecycle").WithOperation("protect").WithPath(path).WithCause(err)
	}
	return nil
}
