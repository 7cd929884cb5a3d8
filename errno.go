package micdma

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errno maps an error returned by this package onto the errno value the kernel driver used for it.
// It returns 0 for nil and EIO for errors it does not know.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoSpace):
		return unix.ENOMEM
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotOwned):
		return unix.EBUSY
	case errors.Is(err, ErrNoDevice):
		return unix.ENODEV
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrWrongChannel), errors.Is(err, ErrWrongDevice):
		return unix.EINVAL
	case errors.Is(err, ErrInterrupted):
		return unix.EINTR
	}
	return unix.EIO
}
