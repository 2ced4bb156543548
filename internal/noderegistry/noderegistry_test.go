package noderegistry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/atflow/internal/containerrt"
	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/hashid"
	"github.com/rakunlabs/atflow/internal/model"
	"github.com/rakunlabs/atflow/internal/noderegistry"
)

type fakeData struct {
	entries map[string]model.Data
}

func (f *fakeData) Lookup(ref entitystore.Referer) (hashid.ID, model.Data, error) {
	d, ok := f.entries[ref.Name]
	if !ok {
		return "", model.Data{}, errors.New("not found")
	}
	return hashid.ID("fake"), d, nil
}

func (f *fakeData) OnDiskPath(d model.Data) string {
	return "/tmp/" + d.Name
}

func TestRegister_ImageNode_RejectsOverlappingChannels(t *testing.T) {
	store := entitystore.New()
	reg := noderegistry.New(store, &fakeData{}, containerrt.New(""))

	_, _, err := reg.Register(context.Background(), noderegistry.Descriptor{
		Name:    "dup",
		Kind:    model.NodeImage,
		Image:   &model.ImageRef{Name: "alpine", Version: "latest"},
		Inputs:  map[string]model.NodeChannel{"x": {Type: model.ChannelFile}},
		Outputs: map[string]model.NodeChannel{"x": {Type: model.ChannelFile}},
	}, "user")

	require.Error(t, err)
}

func TestRegister_ImageNode_RequiresPathInContainer(t *testing.T) {
	store := entitystore.New()
	reg := noderegistry.New(store, &fakeData{}, containerrt.New(""))

	_, _, err := reg.Register(context.Background(), noderegistry.Descriptor{
		Name:   "missing-path",
		Kind:   model.NodeImage,
		Image:  &model.ImageRef{Name: "alpine", Version: "latest"},
		Inputs: map[string]model.NodeChannel{"in": {Type: model.ChannelFile}},
	}, "user")

	require.Error(t, err)
}

func TestRegister_ScriptNode_RequiresEnvironmentVar(t *testing.T) {
	store := entitystore.New()
	data := &fakeData{entries: map[string]model.Data{"script.sh": {Name: "script.sh", Type: model.DataFile}}}
	reg := noderegistry.New(store, data, containerrt.New(""))

	_, _, err := reg.Register(context.Background(), noderegistry.Descriptor{
		Name:   "missing-env",
		Kind:   model.NodeScript,
		Script: &model.ScriptRef{Name: "script.sh", Version: "1"},
		Inputs: map[string]model.NodeChannel{"in": {Type: model.ChannelFile}},
	}, "user")

	require.Error(t, err)
}
