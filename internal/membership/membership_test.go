package membership

import (
	"sync"
	"testing"

	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcher_DeliversInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var order []string
	d.Subscribe("first", func(model.View) { order = append(order, "first") })
	d.Subscribe("second", func(model.View) { order = append(order, "second") })
	d.Subscribe("third", func(model.View) { order = append(order, "third") })

	d.Publish(model.View{ID: 1, Members: []model.Address{"a"}})

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, uint64(1), d.CurrentView().ID)
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var got []uint64
	sub := d.Subscribe("removed", func(v model.View) { got = append(got, v.ID) })
	d.Subscribe("kept", func(model.View) {})

	d.Publish(model.View{ID: 1})
	require.True(t, d.Unsubscribe(sub))
	assert.False(t, d.Unsubscribe(sub))
	d.Publish(model.View{ID: 2})

	assert.Equal(t, []uint64{1}, got)
}

func TestDispatcher_DropsStaleViews(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var mu sync.Mutex
	var got []uint64
	d.Subscribe("recorder", func(v model.View) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v.ID)
	})

	d.Publish(model.View{ID: 3})
	d.Publish(model.View{ID: 2})
	d.Publish(model.View{ID: 3})
	d.Publish(model.View{ID: 4})

	assert.Equal(t, []uint64{3, 4}, got)
}

func TestNodeMeta_RoundTrip(t *testing.T) {
	assert.Equal(t, 42, decodeMeta(encodeMeta(nodeMeta{TopologyID: 42})).TopologyID)
	assert.Equal(t, -1, decodeMeta(nil).TopologyID)
	assert.Equal(t, -1, decodeMeta([]byte{0xff, 0x00}).TopologyID)
}

func TestGossipProvider_NodeMetaCarriesTopologyID(t *testing.T) {
	p := NewGossipProvider(GossipConfig{Address: "a:7600"}, NewDispatcher(zap.NewNop()), zap.NewNop())
	assert.Equal(t, -1, decodeMeta(p.NodeMeta(512)).TopologyID)

	p.SetTopologyID(7)
	p.SetTopologyID(3)
	assert.Equal(t, 7, decodeMeta(p.NodeMeta(512)).TopologyID)
	assert.Nil(t, p.NodeMeta(1))
}

func gossipNode(name string, topologyID int) *memberlist.Node {
	return &memberlist.Node{Name: name, Meta: encodeMeta(nodeMeta{TopologyID: topologyID})}
}

func TestNextView(t *testing.T) {
	tests := []struct {
		name      string
		prev      model.View
		nodes     []*memberlist.Node
		members   []model.Address
		wantMerge bool
	}{
		{
			name:    "first view",
			nodes:   []*memberlist.Node{gossipNode("b", 3), gossipNode("a", 3)},
			members: []model.Address{"a", "b"},
		},
		{
			name:    "fresh joiner",
			prev:    model.View{ID: 4, Members: []model.Address{"a", "b"}},
			nodes:   []*memberlist.Node{gossipNode("a", 5), gossipNode("b", 5), gossipNode("c", -1)},
			members: []model.Address{"a", "b", "c"},
		},
		{
			name:      "joiner from another partition",
			prev:      model.View{ID: 4, Members: []model.Address{"a", "b"}},
			nodes:     []*memberlist.Node{gossipNode("c", 9), gossipNode("a", 5), gossipNode("b", 5)},
			members:   []model.Address{"a", "b", "c"},
			wantMerge: true,
		},
		{
			name:    "leaver",
			prev:    model.View{ID: 4, Members: []model.Address{"a", "b", "c"}},
			nodes:   []*memberlist.Node{gossipNode("c", 5), gossipNode("a", 5)},
			members: []model.Address{"a", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := nextView(tt.prev, tt.nodes)
			assert.Equal(t, tt.prev.ID+1, view.ID)
			assert.Equal(t, tt.members, view.Members)
			assert.Equal(t, tt.members[0], view.Coordinator())
			assert.Equal(t, tt.wantMerge, view.Merge)
		})
	}
}
