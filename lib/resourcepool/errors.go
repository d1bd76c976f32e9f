// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"errors"
	"fmt"
)

var (
	// ErrLostRace is returned by Checkout (and Create) when the
	// cluster no longer has capacity for the VM because a
	// concurrent caller took it after matching. The caller
	// should try another cluster.
	ErrLostRace = errors.New("cluster capacity was taken by a concurrent request")

	// ErrNotOwned is returned when a VM is not (or no longer)
	// owned by the cluster the operation was invoked on.
	ErrNotOwned = errors.New("vm is not owned by this cluster")

	// ErrClusterBroken is returned by every capacity operation on
	// a cluster that has seen an invariant violation.
	ErrClusterBroken = errors.New("cluster accounting is broken")
)

// An InvariantError reports accounting corruption: a memory bin
// driven negative or above its configured size, a double checkout,
// a double return, or a VM owned by more than one cluster. It is
// never an expected outcome and must not be retried.
type InvariantError struct {
	Cluster string
	Msg     string
}

func (e *InvariantError) Error() string {
	if e.Cluster == "" {
		return "invariant violation: " + e.Msg
	}
	return fmt.Sprintf("invariant violation on cluster %q: %s", e.Cluster, e.Msg)
}

func invariantf(cluster, format string, args ...interface{}) *InvariantError {
	return &InvariantError{Cluster: cluster, Msg: fmt.Sprintf(format, args...)}
}

// IsInvariantError returns true if err is, or wraps, an
// *InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
