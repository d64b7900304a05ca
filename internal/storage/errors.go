package storage

import "github.com/cockroachdb/errors"

var ErrInvalidUpdate = errors.New("storage: invalid update")

func errInvalidUpdate(msg string) error {
	return errors.Wrap(ErrInvalidUpdate, msg)
}

func errDuplicate(id string) error {
	return errors.Newf("storage: job %s already exists", id)
}
