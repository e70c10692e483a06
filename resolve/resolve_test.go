// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package resolve_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/exdgate/exdgate/exd"
	"github.com/exdgate/exdgate/resolve"
)

func openTestFile(t *testing.T, channels []exd.MemChannel) exd.File {
	t.Helper()
	reader := exd.NewMemReader()
	reader.AddFile("f.nc", channels)
	f, err := reader.Open(context.Background(), "f.nc")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestGroups_UniformLengthsKeepOneGroup(t *testing.T) {
	f := openTestFile(t, []exd.MemChannel{
		{Group: "Analog", Name: "A", Data: make([]float64, 100)},
		{Group: "Analog", Name: "B", Data: make([]float64, 100)},
	})

	groups, warnings := resolve.Groups(f)
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}
	g := groups[0]
	if g.Name != "Analog" || g.NumberOfRows != 100 || len(g.Channels) != 2 {
		t.Errorf("group = %+v, want Analog with 100 rows and 2 channels", g)
	}
}

func TestGroups_SplitsByLength(t *testing.T) {
	f := openTestFile(t, []exd.MemChannel{
		{Group: "Analog", Name: "A", Data: make([]float64, 1000)},
		{Group: "Analog", Name: "B", Data: make([]float64, 1000)},
		{Group: "Analog", Name: "C", Data: make([]float64, 500)},
	})

	groups, _ := resolve.Groups(f)
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}

	// Buckets are ordered by ascending length
	if groups[0].NumberOfRows != 500 || groups[1].NumberOfRows != 1000 {
		t.Fatalf("rows = %d, %d, want 500, 1000", groups[0].NumberOfRows, groups[1].NumberOfRows)
	}

	// The bucket holding the native group's first channel keeps the bare name
	if groups[0].Name != "Analog#500" {
		t.Errorf("groups[0].Name = %q, want Analog#500", groups[0].Name)
	}
	if groups[1].Name != "Analog" {
		t.Errorf("groups[1].Name = %q, want Analog", groups[1].Name)
	}

	if len(groups[1].Channels) != 2 || groups[1].Channels[0].Name != "A" || groups[1].Channels[1].Name != "B" {
		t.Errorf("Analog channels = %+v, want A, B", groups[1].Channels)
	}
	if len(groups[0].Channels) != 1 || groups[0].Channels[0].Name != "C" {
		t.Errorf("Analog#500 channels = %+v, want C", groups[0].Channels)
	}

	// Both groups remember their source group
	for _, g := range groups {
		if g.SourceGroup != "Analog" {
			t.Errorf("SourceGroup = %q, want Analog", g.SourceGroup)
		}
	}
}

func TestGroups_PartitionCount(t *testing.T) {
	// Distinct lengths per native group determine the logical group count.
	f := openTestFile(t, []exd.MemChannel{
		{Group: "G1", Name: "a", Data: make([]int32, 10)},
		{Group: "G1", Name: "b", Data: make([]int32, 20)},
		{Group: "G1", Name: "c", Data: make([]int32, 30)},
		{Group: "G2", Name: "d", Data: make([]int32, 10)},
		{Group: "G2", Name: "e", Data: make([]int32, 10)},
	})

	groups, _ := resolve.Groups(f)
	if len(groups) != 4 {
		t.Fatalf("len(groups) = %d, want 4", len(groups))
	}

	// Every channel appears in exactly one group
	total := 0
	for _, g := range groups {
		total += len(g.Channels)
	}
	if total != 5 {
		t.Errorf("total channels = %d, want 5", total)
	}
}

func TestGroups_Deterministic(t *testing.T) {
	channels := []exd.MemChannel{
		{Group: "M", Name: "x", Data: make([]float32, 7)},
		{Group: "M", Name: "y", Data: make([]float32, 3)},
		{Group: "M", Name: "z", Data: make([]float32, 7)},
	}
	f := openTestFile(t, channels)

	first, _ := resolve.Groups(f)
	for range 10 {
		again, _ := resolve.Groups(f)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution is not deterministic:\n%+v\n%+v", first, again)
		}
	}
}

func TestGroups_ZeroLengthChannelsShareBucket(t *testing.T) {
	f := openTestFile(t, []exd.MemChannel{
		{Group: "G", Name: "empty1", Data: []float64{}},
		{Group: "G", Name: "empty2", Data: []float64{}},
		{Group: "G", Name: "full", Data: make([]float64, 5)},
	})

	groups, _ := resolve.Groups(f)
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if groups[0].NumberOfRows != 0 || len(groups[0].Channels) != 2 {
		t.Errorf("zero bucket = %+v, want 2 channels with 0 rows", groups[0])
	}
}

func TestGroups_UnknownLengthExcludedWithWarning(t *testing.T) {
	f := openTestFile(t, []exd.MemChannel{
		{Group: "G", Name: "good", Data: make([]float64, 5)},
		{Group: "G", Name: "broken", NoLength: true},
	})

	groups, warnings := resolve.Groups(f)
	if len(groups) != 1 || len(groups[0].Channels) != 1 {
		t.Fatalf("groups = %+v, want one group with one channel", groups)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", warnings)
	}
}

func TestGroupID_UniqueAndStable(t *testing.T) {
	f := openTestFile(t, []exd.MemChannel{
		{Group: "G1", Name: "a", Data: make([]int64, 10)},
		{Group: "G1", Name: "b", Data: make([]int64, 20)},
		{Group: "G2", Name: "c", Data: make([]int64, 10)},
	})

	groups, _ := resolve.Groups(f)
	seen := map[int64]bool{}
	for _, g := range groups {
		if seen[g.ID] {
			t.Fatalf("duplicate group id %d", g.ID)
		}
		seen[g.ID] = true

		found, ok := resolve.GroupByID(groups, g.ID)
		if !ok || found.Name != g.Name {
			t.Errorf("GroupByID(%d) = %+v, want %q", g.ID, found, g.Name)
		}
	}

	if _, ok := resolve.GroupByID(groups, 999999); ok {
		t.Error("GroupByID(999999) found a group, want none")
	}
}
