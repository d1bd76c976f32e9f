// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

// NotFound is returned by (*MemoryBinSet)Find when no bin is big
// enough.
const NotFound = -1

// A MemoryBinSet is an ordered list of memory tiers (in MB) that a
// cluster can host concurrently. Each tier is consumed by one VM at a
// time and released when that VM goes away.
//
// A MemoryBinSet is not safe for concurrent use; the owning
// cluster's lock guards it.
type MemoryBinSet struct {
	cluster string
	max     []int
	free    []int
}

// NewMemoryBinSet returns a set whose bins are all free. The
// given slice is copied.
func NewMemoryBinSet(cluster string, tiers []int) *MemoryBinSet {
	return &MemoryBinSet{
		cluster: cluster,
		max:     append([]int(nil), tiers...),
		free:    append([]int(nil), tiers...),
	}
}

// Len returns the number of bins.
func (m *MemoryBinSet) Len() int {
	return len(m.free)
}

// Find returns the index of the first bin, in listed order, with at
// least requiredMB free, or NotFound.
func (m *MemoryBinSet) Find(requiredMB int) int {
	for i, v := range m.free {
		if v >= requiredMB {
			return i
		}
	}
	return NotFound
}

// Consume takes amount MB from bin i. It never drives a bin
// negative: an amount larger than what is free is an invariant
// violation, and the set is left unchanged.
func (m *MemoryBinSet) Consume(i, amount int) error {
	if i < 0 || i >= len(m.free) {
		return invariantf(m.cluster, "consume from nonexistent memory bin %d", i)
	}
	if amount < 0 || amount > m.free[i] {
		return invariantf(m.cluster, "consume %d MB from memory bin %d with %d MB free", amount, i, m.free[i])
	}
	m.free[i] -= amount
	return nil
}

// Release returns amount MB to bin i. Releasing more than was
// consumed is an invariant violation, and the set is left
// unchanged.
func (m *MemoryBinSet) Release(i, amount int) error {
	if i < 0 || i >= len(m.free) {
		return invariantf(m.cluster, "release to nonexistent memory bin %d", i)
	}
	if amount < 0 || m.free[i]+amount > m.max[i] {
		return invariantf(m.cluster, "release %d MB to memory bin %d would exceed its size (%d free of %d)", amount, i, m.free[i], m.max[i])
	}
	m.free[i] += amount
	return nil
}

// Free returns a copy of the current free amounts.
func (m *MemoryBinSet) Free() []int {
	return append([]int(nil), m.free...)
}

// Max returns a copy of the configured bin sizes.
func (m *MemoryBinSet) Max() []int {
	return append([]int(nil), m.max...)
}
