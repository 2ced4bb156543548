package view_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/atflow/internal/entitystore"
	"github.com/rakunlabs/atflow/internal/model"
	"github.com/rakunlabs/atflow/internal/view"
)

func TestTable_ReturnsHeaderAndRows(t *testing.T) {
	store := entitystore.New()
	_, _, err := store.InsertUser(model.User{LoginName: "alice", DisplayName: "Alice"}, "system")
	require.NoError(t, err)
	_, _, err = store.InsertUser(model.User{LoginName: "bob", DisplayName: "Bob"}, "system")
	require.NoError(t, err)

	v := view.New(store)
	rows, err := v.Table(view.Request{Table: "user"})
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + 2 users
	require.Equal(t, []string{"identifier", "login_name", "display_name", "superuser", "version", "created_at"}, rows[0])
}

func TestTable_FiltersByPattern(t *testing.T) {
	store := entitystore.New()
	_, _, err := store.InsertUser(model.User{LoginName: "alice"}, "system")
	require.NoError(t, err)
	_, _, err = store.InsertUser(model.User{LoginName: "bob"}, "system")
	require.NoError(t, err)

	v := view.New(store)
	rows, err := v.Table(view.Request{Table: "user", Pattern: "alice"})
	require.NoError(t, err)
	require.Len(t, rows, 2) // header + 1 match
}

func TestTable_UnknownTableIsUserError(t *testing.T) {
	v := view.New(entitystore.New())
	_, err := v.Table(view.Request{Table: "bogus"})
	require.Error(t, err)
}

func TestDataOfAndLogOf(t *testing.T) {
	store := entitystore.New()
	_, run, err := store.InsertRun(model.Run{
		Name:            "r1",
		ChannelBindings: map[string]model.ChannelBinding{"out": {Type: model.ChannelFile, HashOfData: "abc"}},
		Log:             []string{"line1", "line2"},
		Success:         true,
	}, "root")
	require.NoError(t, err)

	v := view.New(store)

	bindings, err := v.DataOf(entitystore.Referer{Name: run.Name, Version: "1"})
	require.NoError(t, err)
	require.Contains(t, bindings, "out")

	logLines, err := v.LogOf(entitystore.Referer{Name: run.Name, Version: "1"})
	require.NoError(t, err)
	require.Equal(t, []string{"line1", "line2"}, logLines)
}
