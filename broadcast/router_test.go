package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex_aggregator/models"
	"dex_aggregator/registry"
)

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	busy   map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][][]byte), busy: make(map[string]bool)}
}

func (s *recordingSender) Send(id string, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[id] {
		return false
	}
	s.frames[id] = append(s.frames[id], frame)
	return true
}

func (s *recordingSender) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[id])
}

func (s *recordingSender) envelopes(t *testing.T, id string) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.frames[id] {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func solanaToken() *models.CanonicalToken {
	return &models.CanonicalToken{
		Chain:     "solana",
		Address:   "mintx",
		Symbol:    "X",
		Price:     models.Float(2),
		Volume24h: models.Float(1000),
		Sources:   []string{"Jupiter"},
	}
}

func addClient(t *testing.T, reg *registry.Registry, id string, rooms ...string) {
	t.Helper()
	require.NoError(t, reg.AddClient(id))
	for _, room := range rooms {
		reg.JoinRoom(id, room)
	}
}

func TestPublishDeliversOncePerClient(t *testing.T) {
	reg := registry.New()
	sender := newRecordingSender()
	r := NewRouter(reg, sender, 8, nil)

	addClient(t, reg, "multi", registry.RoomAll, registry.ChainRoom("solana"), registry.TokenRoom("MINTX"))
	addClient(t, reg, "chain-only", registry.ChainRoom("solana"))
	addClient(t, reg, "other-chain", registry.ChainRoom("bsc"))

	n := r.Deliver(TokenUpdated{Token: solanaToken()})
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, sender.count("multi"))
	assert.Equal(t, 1, sender.count("chain-only"))
	assert.Equal(t, 0, sender.count("other-chain"))

	env := sender.envelopes(t, "multi")[0]
	assert.Equal(t, "token:update", env["type"])
	assert.NotEmpty(t, env["timestamp"])
	payload := env["payload"].(map[string]any)
	token := payload["token"].(map[string]any)
	assert.Equal(t, "mintx", token["address"])
}

func TestFiltersApplyToRoomBroadcastButNotTokenRoom(t *testing.T) {
	reg := registry.New()
	sender := newRecordingSender()
	r := NewRouter(reg, sender, 8, nil)

	addClient(t, reg, "bsc-only", registry.RoomAll)
	require.NoError(t, reg.SetFilters("bsc-only", registry.Filters{Chains: []string{"bsc"}}))

	addClient(t, reg, "high-volume", registry.RoomAll)
	require.NoError(t, reg.SetFilters("high-volume", registry.Filters{MinVolume: models.Float(5000)}))

	addClient(t, reg, "watcher", registry.RoomAll, registry.TokenRoom("mintx"))
	require.NoError(t, reg.SetFilters("watcher", registry.Filters{Chains: []string{"bsc"}}))

	addClient(t, reg, "everything", registry.RoomAll)

	r.Deliver(TokenUpdated{Token: solanaToken()})
	assert.Equal(t, 0, sender.count("bsc-only"))
	assert.Equal(t, 0, sender.count("high-volume"))
	assert.Equal(t, 1, sender.count("watcher"))
	assert.Equal(t, 1, sender.count("everything"))
}

func TestPriceChangedTargetsTokenRoom(t *testing.T) {
	reg := registry.New()
	sender := newRecordingSender()
	r := NewRouter(reg, sender, 8, nil)
	addClient(t, reg, "all", registry.RoomAll)
	addClient(t, reg, "token", registry.TokenRoom("mintx"))

	tok := solanaToken()
	r.Deliver(PriceChanged{
		Chain:         tok.Chain,
		TokenAddress:  tok.Address,
		OldPrice:      1,
		NewPrice:      2,
		ChangePercent: ChangePercent(1, 2),
		Token:         tok,
	})
	assert.Equal(t, 0, sender.count("all"))
	require.Equal(t, 1, sender.count("token"))

	env := sender.envelopes(t, "token")[0]
	assert.Equal(t, "price:update", env["type"])
	payload := env["payload"].(map[string]any)
	assert.Equal(t, 100.0, payload["changePercent"])
	assert.NotContains(t, payload, "Token")
}

func TestVolumeSpikeAndNewToken(t *testing.T) {
	reg := registry.New()
	sender := newRecordingSender()
	r := NewRouter(reg, sender, 8, nil)
	addClient(t, reg, "all", registry.RoomAll)
	addClient(t, reg, "chain", registry.ChainRoom("solana"))

	tok := solanaToken()
	assert.Equal(t, 1, r.Deliver(VolumeSpike{
		Chain: tok.Chain, TokenAddress: tok.Address, OldVolume: 1000, NewVolume: 1500,
		SpikePercent: ChangePercent(1000, 1500), Token: tok,
	}))
	assert.Equal(t, 2, r.Deliver(NewTokenListed{Token: tok}))

	envs := sender.envelopes(t, "all")
	require.Len(t, envs, 2)
	assert.Equal(t, "volume:spike", envs[0]["type"])
	assert.Equal(t, 50.0, envs[0]["payload"].(map[string]any)["spikePercent"])
	assert.Equal(t, "token:new", envs[1]["type"])
}

func TestBatchUpdateIsFilteredPerClient(t *testing.T) {
	reg := registry.New()
	sender := newRecordingSender()
	r := NewRouter(reg, sender, 8, nil)

	addClient(t, reg, "plain", registry.RoomAll)
	addClient(t, reg, "bsc", registry.RoomAll)
	require.NoError(t, reg.SetFilters("bsc", registry.Filters{Chains: []string{"bsc"}}))
	addClient(t, reg, "eth", registry.RoomAll)
	require.NoError(t, reg.SetFilters("eth", registry.Filters{Chains: []string{"ethereum"}}))

	bscTok := &models.CanonicalToken{Chain: "bsc", Address: "0x1"}
	n := r.Deliver(BatchUpdate{Tokens: []*models.CanonicalToken{solanaToken(), bscTok}})
	assert.Equal(t, 2, n)

	plain := sender.envelopes(t, "plain")[0]["payload"].(map[string]any)["tokens"].([]any)
	assert.Len(t, plain, 2)
	bsc := sender.envelopes(t, "bsc")[0]["payload"].(map[string]any)["tokens"].([]any)
	require.Len(t, bsc, 1)
	assert.Equal(t, "0x1", bsc[0].(map[string]any)["address"])
	assert.Equal(t, 0, sender.count("eth"))
}

func TestErrorEventsGoToHandlersOnly(t *testing.T) {
	reg := registry.New()
	sender := newRecordingSender()
	r := NewRouter(reg, sender, 8, nil)
	addClient(t, reg, "all", registry.RoomAll)

	var got []ErrorOccurred
	r.OnError(func(e ErrorOccurred) { got = append(got, e) })

	assert.Equal(t, 0, r.Deliver(ErrorOccurred{Message: "all providers failed"}))
	require.Len(t, got, 1)
	assert.Equal(t, "all providers failed", got[0].Message)
	assert.Equal(t, 0, sender.count("all"))
}

func TestSlowClientDoesNotBlockOthers(t *testing.T) {
	reg := registry.New()
	sender := newRecordingSender()
	sender.busy["slow"] = true
	r := NewRouter(reg, sender, 8, nil)
	addClient(t, reg, "slow", registry.RoomAll)
	addClient(t, reg, "fast", registry.RoomAll)

	assert.Equal(t, 1, r.Deliver(TokenUpdated{Token: solanaToken()}))
	delivered, dropped := r.Stats()
	assert.Equal(t, int64(1), delivered)
	assert.Equal(t, int64(1), dropped)
}

func TestEmitQueueAndRun(t *testing.T) {
	reg := registry.New()
	sender := newRecordingSender()
	r := NewRouter(reg, sender, 2, nil)
	addClient(t, reg, "c", registry.RoomAll)

	assert.True(t, r.Publish(solanaToken()))
	assert.True(t, r.Publish(solanaToken()))
	assert.False(t, r.Publish(solanaToken()))
	assert.Equal(t, 2, r.QueueLen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sender.count("c") == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestChangePercent(t *testing.T) {
	p := ChangePercent(1000, 1500)
	require.NotNil(t, p)
	assert.Equal(t, 50.0, *p)

	p = ChangePercent(200, 100)
	require.NotNil(t, p)
	assert.Equal(t, -50.0, *p)

	assert.Nil(t, ChangePercent(0, 1500))
}
