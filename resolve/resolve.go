// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

// Package resolve turns the native channel table of a parsed file into
// protocol-visible logical groups. A native group whose channels disagree
// on length is split into one logical group per distinct length, so every
// logical group has a single uniform row count.
package resolve

import (
	"fmt"
	"sort"

	"github.com/exdgate/exdgate/exd"
)

// GroupID packs a native group index and a length-bucket rank into one
// stable int64 identifier. The native index occupies the low 32 bits.
func GroupID(nativeIndex, bucketRank int) int64 {
	return int64(uint32(nativeIndex)) | int64(bucketRank)<<32
}

// Groups partitions a file's channels into logical groups.
//
// Within each native group, channels are bucketed by their row count;
// buckets are ordered by ascending length and numbered by that rank. The
// bucket containing the native group's first channel keeps the bare group
// name; the others are named "<group>#<rows>" to stay distinguishable.
// Channels whose length the reader could not determine are excluded and
// reported in warnings.
func Groups(file exd.File) ([]exd.LogicalGroup, []string) {
	channels := file.Channels()

	// Native groups in file order
	type native struct {
		name     string
		index    int
		channels []exd.RawChannel
	}
	var natives []*native
	byIndex := map[int]*native{}
	for _, ch := range channels {
		g, ok := byIndex[ch.GroupIndex]
		if !ok {
			g = &native{name: ch.GroupName, index: ch.GroupIndex}
			byIndex[ch.GroupIndex] = g
			natives = append(natives, g)
		}
		g.channels = append(g.channels, ch)
	}

	var groups []exd.LogicalGroup
	var warnings []string
	for _, g := range natives {
		buckets := map[int64][]exd.RawChannel{}
		firstLength := int64(-1)
		for _, ch := range g.channels {
			if !ch.LengthKnown {
				warnings = append(warnings, fmt.Sprintf(
					"channel %q in group %q has no readable length, excluded", ch.Name, g.name))
				continue
			}
			if firstLength < 0 {
				firstLength = ch.Length
			}
			buckets[ch.Length] = append(buckets[ch.Length], ch)
		}
		if len(buckets) == 0 {
			continue
		}

		lengths := make([]int64, 0, len(buckets))
		for l := range buckets {
			lengths = append(lengths, l)
		}
		sort.Slice(lengths, func(i, j int) bool { return lengths[i] < lengths[j] })

		for rank, length := range lengths {
			name := g.name
			if length != firstLength {
				name = fmt.Sprintf("%s#%d", g.name, length)
			}
			lg := exd.LogicalGroup{
				ID:           GroupID(g.index, rank),
				Name:         name,
				SourceGroup:  g.name,
				NumberOfRows: length,
			}
			for i, ch := range buckets[length] {
				lg.Channels = append(lg.Channels, exd.LogicalChannel{
					Index:      i,
					Name:       ch.Name,
					Type:       ch.Type,
					NativeType: ch.NativeType,
					Unit:       ch.Unit,
					Raw:        ch.Index,
				})
			}
			groups = append(groups, lg)
		}
	}
	return groups, warnings
}

// GroupByID finds a logical group by its identifier.
func GroupByID(groups []exd.LogicalGroup, id int64) (*exd.LogicalGroup, bool) {
	for i := range groups {
		if groups[i].ID == id {
			return &groups[i], true
		}
	}
	return nil, false
}
