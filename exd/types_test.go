// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exd_test

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/exdgate/exdgate/exd"
)

func TestDataTypeString(t *testing.T) {
	cases := []struct {
		dt   exd.DataType
		want string
	}{
		{exd.TypeUint8, "uint8"},
		{exd.TypeInt8, "int8"},
		{exd.TypeInt16, "int16"},
		{exd.TypeInt32, "int32"},
		{exd.TypeInt64, "int64"},
		{exd.TypeFloat32, "float32"},
		{exd.TypeFloat64, "float64"},
		{exd.TypeString, "string"},
		{exd.TypeUnsupported, "unsupported"},
	}
	for _, tc := range cases {
		if got := tc.dt.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestDataTypeArrowPreservesWidth(t *testing.T) {
	cases := []struct {
		dt   exd.DataType
		want arrow.Type
	}{
		{exd.TypeUint8, arrow.UINT8},
		{exd.TypeInt8, arrow.INT8},
		{exd.TypeInt16, arrow.INT16},
		{exd.TypeInt32, arrow.INT32},
		{exd.TypeInt64, arrow.INT64},
		{exd.TypeFloat32, arrow.FLOAT32},
		{exd.TypeFloat64, arrow.FLOAT64},
		{exd.TypeString, arrow.STRING},
	}
	for _, tc := range cases {
		at, ok := tc.dt.Arrow()
		if !ok {
			t.Errorf("%v.Arrow() not ok", tc.dt)
			continue
		}
		if at.ID() != tc.want {
			t.Errorf("%v.Arrow() = %v, want %v", tc.dt, at.ID(), tc.want)
		}
	}

	if _, ok := exd.TypeUnsupported.Arrow(); ok {
		t.Error("TypeUnsupported.Arrow() ok, want not ok")
	}
}

func TestTypeFromGo(t *testing.T) {
	cases := []struct {
		goType string
		want   exd.DataType
	}{
		{"uint8", exd.TypeUint8},
		{"byte", exd.TypeUint8},
		{"int8", exd.TypeInt8},
		{"int16", exd.TypeInt16},
		{"int32", exd.TypeInt32},
		{"int", exd.TypeInt32},
		{"int64", exd.TypeInt64},
		{"float32", exd.TypeFloat32},
		{"float64", exd.TypeFloat64},
		{"string", exd.TypeString},
		{"complex128", exd.TypeUnsupported},
		{"", exd.TypeUnsupported},
	}
	for _, tc := range cases {
		if got := exd.TypeFromGo(tc.goType); got != tc.want {
			t.Errorf("TypeFromGo(%q) = %v, want %v", tc.goType, got, tc.want)
		}
	}
}

func TestLogicalGroupChannel(t *testing.T) {
	g := exd.LogicalGroup{
		Channels: []exd.LogicalChannel{
			{Index: 0, Name: "a"},
			{Index: 1, Name: "b"},
		},
	}

	ch, ok := g.Channel(1)
	if !ok || ch.Name != "b" {
		t.Errorf("Channel(1) = %+v, %v, want b", ch, ok)
	}
	if _, ok := g.Channel(-1); ok {
		t.Error("Channel(-1) ok, want not ok")
	}
	if _, ok := g.Channel(2); ok {
		t.Error("Channel(2) ok, want not ok")
	}
}

func TestMemReaderListsChannels(t *testing.T) {
	r := exd.NewMemReader()
	r.AddFile("m.nc", []exd.MemChannel{
		{Group: "G1", Name: "a", Unit: "V", Data: []float64{1, 2}},
		{Group: "G2", Name: "b", Data: []int32{3}},
		{Group: "G1", Name: "c", Data: []float64{4, 5, 6}},
	})
	r.SetAttributes("m.nc", map[string]string{"origin": "test"})

	f, err := r.Open(context.Background(), "m.nc")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	chans := f.Channels()
	if len(chans) != 3 {
		t.Fatalf("len(Channels) = %d, want 3", len(chans))
	}
	a := chans[0]
	if a.Name != "a" || a.GroupName != "G1" || a.GroupIndex != 0 ||
		a.Length != 2 || !a.LengthKnown || a.Type != exd.TypeFloat64 || a.Unit != "V" {
		t.Errorf("channel a = %+v", a)
	}
	if chans[1].GroupIndex != 1 || chans[2].GroupIndex != 0 {
		t.Errorf("group indices = %d, %d, want 1, 0", chans[1].GroupIndex, chans[2].GroupIndex)
	}

	if got := f.Attributes()["origin"]; got != "test" {
		t.Errorf("Attributes[origin] = %q, want test", got)
	}
}

func TestMemReaderUnknownPath(t *testing.T) {
	r := exd.NewMemReader()
	_, err := r.Open(context.Background(), "nope.nc")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}
