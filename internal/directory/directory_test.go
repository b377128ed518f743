package directory

import (
	"testing"

	"github.com/CiaranWoodward/crc-relay/internal/wire"
	"github.com/stretchr/testify/assert"
)

func TestInsertAndLookup(t *testing.T) {
	d := New(1)
	err := d.Insert(Record{ID: 2, Kind: KindServer, Name: "s2", FirstLinkID: 1})
	assert.Nil(t, err)

	r, ok := d.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, KindServer, r.Kind)
	assert.Contains(t, d.AdjacentServers(), wire.HostID(2))
	assert.Empty(t, d.AdjacentClients())
}

func TestInsertDuplicateFails(t *testing.T) {
	d := New(1)
	assert.Nil(t, d.Insert(Record{ID: 2, Kind: KindServer, FirstLinkID: 1}))
	err := d.Insert(Record{ID: 2, Kind: KindServer, FirstLinkID: 1})
	assert.Equal(t, ErrDuplicateID, err)
}

func TestInsertSelfIDFails(t *testing.T) {
	d := New(1)
	err := d.Insert(Record{ID: 1, Kind: KindServer, FirstLinkID: 1})
	assert.Equal(t, ErrDuplicateID, err)
}

func TestNextHopDirectVsRemote(t *testing.T) {
	d := New(1)
	assert.Nil(t, d.Insert(Record{ID: 100, Kind: KindClient, FirstLinkID: 1}))
	assert.Nil(t, d.Insert(Record{ID: 200, Kind: KindClient, FirstLinkID: 2}))

	hop, ok := d.NextHopID(100)
	assert.True(t, ok)
	assert.Equal(t, wire.HostID(100), hop)

	hop, ok = d.NextHopID(200)
	assert.True(t, ok)
	assert.Equal(t, wire.HostID(2), hop)

	_, ok = d.NextHopID(999)
	assert.False(t, ok)
}

func TestRemoveDropsFromAdjacency(t *testing.T) {
	d := New(1)
	assert.Nil(t, d.Insert(Record{ID: 100, Kind: KindClient, FirstLinkID: 1}))
	d.Remove(100)
	_, ok := d.Lookup(100)
	assert.False(t, ok)
	assert.NotContains(t, d.AdjacentClients(), wire.HostID(100))
}

func TestAllExceptExcludesGivenID(t *testing.T) {
	d := New(1)
	assert.Nil(t, d.Insert(Record{ID: 2, Kind: KindServer, FirstLinkID: 1}))
	assert.Nil(t, d.Insert(Record{ID: 100, Kind: KindClient, FirstLinkID: 1}))

	all := d.AllExcept(2)
	assert.Len(t, all, 1)
	assert.Equal(t, wire.HostID(100), all[0].ID)
}
