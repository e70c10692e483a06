// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exd

import (
	"context"
	"fmt"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/rs/zerolog"
)

// NetCDFReader reads netCDF (CDF or HDF5 layout) measurement files through
// the go-native-netcdf library. Each netCDF group becomes one native group;
// its variables become channels. Variables in one group may have different
// lengths, which is exactly the mismatch the structure resolver reconciles.
type NetCDFReader struct {
	log zerolog.Logger
}

// NewNetCDFReader returns a Reader for netCDF files.
func NewNetCDFReader(log zerolog.Logger) *NetCDFReader {
	return &NetCDFReader{log: log}
}

// Open parses the file at path. The parse result holds the root group and
// any subgroups open until Close.
func (r *NetCDFReader) Open(_ context.Context, path string) (File, error) {
	root, err := netcdf.Open(path)
	if err != nil {
		return nil, err
	}

	f := &ncFile{root: root, attrs: attrStrings(root.Attributes())}
	f.addGroup(r.log, root, "/", path)
	for _, sub := range root.ListSubgroups() {
		g, err := root.GetGroup(sub)
		if err != nil {
			r.log.Warn().Str("path", path).Str("group", sub).Err(err).
				Msg("skipping unreadable netCDF group")
			continue
		}
		f.groups = append(f.groups, g)
		f.addGroup(r.log, g, sub, path)
	}
	return f, nil
}

// ncFile is the parse result for one netCDF file.
type ncFile struct {
	root     api.Group
	groups   []api.Group // open subgroups, closed with the file
	channels []RawChannel
	getters  []api.VarGetter // indexed like channels; nil if length unknown
	attrs    map[string]string
}

// addGroup lists one netCDF group's variables into the channel table.
// A variable whose getter cannot be obtained is still listed, with
// LengthKnown=false, so the resolver can surface the omission.
func (f *ncFile) addGroup(log zerolog.Logger, g api.Group, name, path string) {
	gi := 0
	if len(f.channels) > 0 {
		gi = f.channels[len(f.channels)-1].GroupIndex + 1
	}
	for _, varName := range g.ListVariables() {
		ch := RawChannel{
			Name:       varName,
			GroupName:  name,
			GroupIndex: gi,
			Index:      len(f.channels),
		}
		getter, err := g.GetVarGetter(varName)
		if err != nil {
			log.Warn().Str("path", path).Str("group", name).Str("channel", varName).
				Err(err).Msg("channel length unavailable")
			f.channels = append(f.channels, ch)
			f.getters = append(f.getters, nil)
			continue
		}
		ch.Length = getter.Len()
		ch.LengthKnown = true
		ch.NativeType = getter.Type()
		ch.Type = TypeFromGo(getter.GoType())
		ch.Unit = attrString(getter.Attributes(), "units")
		f.channels = append(f.channels, ch)
		f.getters = append(f.getters, getter)
	}
}

func (f *ncFile) Channels() []RawChannel { return f.channels }

func (f *ncFile) ReadRange(_ context.Context, channel int, start, count int64) (any, error) {
	if channel < 0 || channel >= len(f.getters) || f.getters[channel] == nil {
		return nil, fmt.Errorf("no readable channel at index %d", channel)
	}
	return f.getters[channel].GetSlice(start, start+count)
}

func (f *ncFile) Attributes() map[string]string { return f.attrs }

func (f *ncFile) Close() error {
	for _, g := range f.groups {
		g.Close()
	}
	f.root.Close()
	return nil
}

// attrString fetches one attribute rendered as a string, or "".
func attrString(attrs api.AttributeMap, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs.Get(key); ok {
		return fmt.Sprint(v)
	}
	return ""
}

// attrStrings renders an attribute map to string key/value pairs.
func attrStrings(attrs api.AttributeMap) map[string]string {
	out := map[string]string{}
	if attrs == nil {
		return out
	}
	for _, k := range attrs.Keys() {
		if v, ok := attrs.Get(k); ok {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
