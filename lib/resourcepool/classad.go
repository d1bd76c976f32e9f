// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"sort"
	"strings"
)

// A Classad is a flat key/value description of a machine as tracked
// by the batch scheduler's collector.
type Classad map[string]string

// Machine record attributes used by the reconciliation helpers.
const (
	AttrName   = "Name"
	AttrJobID  = "GlobalJobId"
	AttrVMType = "VMType"
)

// MatchCriteria returns true if every key in criteria is present in
// record with the same value. Empty criteria match every record.
func MatchCriteria(record, criteria Classad) bool {
	for k, v := range criteria {
		if rv, ok := record[k]; !ok || rv != v {
			return false
		}
	}
	return true
}

// FindInWhere returns the records that match criteria, in their
// original order.
func FindInWhere(records []Classad, criteria Classad) []Classad {
	var found []Classad
	for _, r := range records {
		if MatchCriteria(r, criteria) {
			found = append(found, r)
		}
	}
	return found
}

// MachineVMTypeCounts returns the number of machine records carrying
// each VMType attribute.
func MachineVMTypeCounts(records []Classad) map[string]int {
	counts := map[string]int{}
	for _, r := range records {
		if t, ok := r[AttrVMType]; ok {
			counts[t]++
		}
	}
	return counts
}

// MachineJobsChanged compares two collector snapshots and returns the
// local names of the machines that carry a job ID in both and whose
// job ID differs. A local name is the machine name up to its first
// ".". The result is sorted.
func MachineJobsChanged(current, previous []Classad) []string {
	prevJobs := map[string]string{}
	for _, r := range previous {
		name, ok1 := r[AttrName]
		job, ok2 := r[AttrJobID]
		if ok1 && ok2 {
			prevJobs[name] = job
		}
	}
	seen := map[string]bool{}
	var changed []string
	for _, r := range current {
		name, ok1 := r[AttrName]
		job, ok2 := r[AttrJobID]
		if !ok1 || !ok2 {
			continue
		}
		prev, ok := prevJobs[name]
		if !ok || prev == job {
			continue
		}
		local := name
		if i := strings.Index(name, "."); i >= 0 {
			local = name[:i]
		}
		if !seen[local] {
			seen[local] = true
			changed = append(changed, local)
		}
	}
	sort.Strings(changed)
	return changed
}
