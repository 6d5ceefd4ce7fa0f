package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// Call runs fn and converts a panic inside it into a returned error, so
// a misbehaving handler cannot take down the process. An error returned
// by fn wins over a recovered panic.
func Call(ctx context.Context, fn func(context.Context) error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn(ctx)
	})
	if err != nil {
		return err
	}
	return catcher.Recovered().AsError()
}
