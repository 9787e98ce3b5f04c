package vm

import "github.com/hashicorp/go-multierror"

// multierrorAppend aggregates independent teardown errors from
// multi-resource Close so a failure in one step doesn't hide a
// failure in another.
func multierrorAppend(dst error, err error) error {
	return multierror.Append(dst, err)
}
