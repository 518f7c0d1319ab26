package pcsc

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gregLibert/nfc-pcsc/pkg/iso7816"
	"github.com/gregLibert/nfc-pcsc/pkg/tlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loadKeysPrefix = []byte{0xFF, 0x82}

func TestKeys(t *testing.T) {
	k, err := ParseKey("FF FF FF FF FF FF")
	require.NoError(t, err)
	assert.Equal(t, DefaultKey, k)
	assert.Equal(t, "ffffffffffff", k.String())

	k, err = KeyFromUint64(0xA0A1A2A3A4A5)
	require.NoError(t, err)
	assert.Equal(t, Key{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5}, k)

	k, err = KeyFromBytes(tlv.Hex("D3F7D3F7D3F7"))
	require.NoError(t, err)
	assert.Equal(t, "d3f7d3f7d3f7", k.String())

	for name, fn := range map[string]func() (Key, error){
		"Not hex":      func() (Key, error) { return ParseKey("GGGGGGGGGGGG") },
		"Too short":    func() (Key, error) { return ParseKey("FFFF") },
		"Seven bytes":  func() (Key, error) { return KeyFromBytes(make([]byte, 7)) },
		"Above 48 bit": func() (Key, error) { return KeyFromUint64(1 << 48) },
	} {
		t.Run(name, func(t *testing.T) {
			_, err := fn()
			assert.Equal(t, KindLoadKey, KindOf(err))
			assert.Equal(t, CodeInvalidKey, CodeOf(err))
		})
	}
}

func mustReserve(t *testing.T, c *keyCache, slot int) (int, uint64) {
	t.Helper()
	s, gen, err := c.reserve(context.Background(), slot)
	require.NoError(t, err)
	return s, gen
}

func TestKeyCache_SlotChoice(t *testing.T) {
	c := newKeyCache()
	a, b, d := Key{1}, Key{2}, Key{3}

	slot, gen := mustReserve(t, c, -1)
	assert.Equal(t, 0, slot)
	c.commit(slot, gen, &a)

	slot, gen = mustReserve(t, c, -1)
	assert.Equal(t, 1, slot, "empty slot preferred")
	c.commit(slot, gen, &b)

	slot, gen = mustReserve(t, c, -1)
	assert.Equal(t, 0, slot, "slot 0 evicted when full")
	c.commit(slot, gen, &d)

	got, ok := c.lookup(b)
	assert.True(t, ok)
	assert.Equal(t, 1, got)
	_, ok = c.lookup(a)
	assert.False(t, ok)
}

func TestKeyCache_PinnedSlotIsNotEvicted(t *testing.T) {
	c := newKeyCache()
	a, b := Key{1}, Key{2}
	for i, k := range []Key{a, b} {
		slot, gen := mustReserve(t, c, i)
		c.commit(slot, gen, &k)
	}

	slot, ok := c.acquire(a)
	require.True(t, ok)
	require.Equal(t, 0, slot)

	slot, gen := mustReserve(t, c, -1)
	assert.Equal(t, 1, slot, "slot 0 is pinned")
	c.commit(slot, gen, nil)

	_, ok = c.acquire(b)
	assert.False(t, ok, "failed load leaves the slot empty")

	// Both slots busy: the next reservation waits for the pin.
	slot1, gen1 := mustReserve(t, c, 1)
	reserved := make(chan int)
	go func() {
		s, _, _ := c.reserve(context.Background(), -1)
		reserved <- s
	}()

	select {
	case <-reserved:
		t.Fatal("reserve returned while every slot was in use")
	case <-time.After(50 * time.Millisecond):
	}

	c.unpin(0)
	assert.Equal(t, 0, receive(t, reserved))
	c.commit(0, gen1, nil)
	c.commit(slot1, gen1, nil)
}

func TestKeyCache_ClearDropsInflightLoad(t *testing.T) {
	c := newKeyCache()
	k := Key{1}

	slot, gen := mustReserve(t, c, -1)
	c.clear()
	c.commit(slot, gen, &k)

	_, ok := c.lookup(k)
	assert.False(t, ok)
}

func TestAuthenticate_LoadsKeyOnce(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)

	require.NoError(t, r.Authenticate(ctx, 4, KeyTypeA, DefaultKey))
	require.NoError(t, r.Authenticate(ctx, 5, KeyTypeA, DefaultKey))

	assert.Equal(t, [][]byte{
		tlv.Hex("FF 82 00 00 06 FFFFFFFFFFFF"),
	}, ft.commands(loadKeysPrefix...))
	assert.Equal(t, [][]byte{
		tlv.Hex("FF 86 00 00 05 01 00 04 60 00"),
		tlv.Hex("FF 86 00 00 05 01 00 05 60 00"),
	}, ft.commands(0xFF, 0x86))
}

func TestAuthenticate_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)

	loading := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	ft.setResponder(func(cmd []byte) ([]byte, error) {
		if bytes.HasPrefix(cmd, loadKeysPrefix) {
			once.Do(func() { close(loading) })
			<-gate
		}
		return swOK, nil
	})

	const callers = 5
	errs := make(chan error, callers)
	go func() { errs <- r.Authenticate(ctx, 4, KeyTypeB, DefaultKey) }()
	receive(t, loading)
	for i := 1; i < callers; i++ {
		go func() { errs <- r.Authenticate(ctx, byte(4+i), KeyTypeB, DefaultKey) }()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for range callers {
		require.NoError(t, receive(t, errs))
	}

	assert.Len(t, ft.commands(loadKeysPrefix...), 1)
	auths := ft.commands(0xFF, 0x86)
	require.Len(t, auths, callers)
	for _, cmd := range auths {
		assert.Equal(t, byte(0x00), cmd[len(cmd)-1], "all callers use the loaded slot")
		assert.Equal(t, KeyTypeB, cmd[len(cmd)-2])
	}
}

func TestAuthenticate_FailedLoadLeavesSlotEmpty(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)

	ft.setResponder(func(cmd []byte) ([]byte, error) {
		if bytes.HasPrefix(cmd, loadKeysPrefix) {
			return swFailed, nil
		}
		return swOK, nil
	})

	err := r.Authenticate(ctx, 4, KeyTypeA, DefaultKey)
	assert.Equal(t, KindAuthenticate, KindOf(err))
	assert.Equal(t, CodeUnableToLoadKey, CodeOf(err))
	sw, ok := StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, iso7816.SW_OPERATION_FAILED, sw)
	assert.Equal(t, [iso7816.KeySlots]*Key{}, r.keys.snapshot())
	assert.Empty(t, ft.commands(0xFF, 0x86), "no authenticate without a loaded key")

	ft.setResponder(nil)
	require.NoError(t, r.Authenticate(ctx, 4, KeyTypeA, DefaultKey))
	assert.Len(t, ft.commands(loadKeysPrefix...), 2)
}

func TestAuthenticate_Rejected(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)

	ft.setResponder(func(cmd []byte) ([]byte, error) {
		if bytes.HasPrefix(cmd, []byte{0xFF, 0x86}) {
			return swFailed, nil
		}
		return swOK, nil
	})

	err := r.Authenticate(ctx, 4, KeyTypeA, DefaultKey)
	assert.Equal(t, KindAuthenticate, KindOf(err))
	assert.Equal(t, CodeOperationFailed, CodeOf(err))
	sw, ok := StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, iso7816.SW_OPERATION_FAILED, sw)
	assert.Contains(t, err.Error(), "0x6300")
}

func TestAuthenticate_Legacy(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)

	require.NoError(t, r.Authenticate(ctx, 4, KeyTypeA, DefaultKey, Legacy()))

	assert.Equal(t, [][]byte{tlv.Hex("FF 88 00 04 60 00")}, ft.commands(0xFF, 0x88))
}

func TestAuthenticate_Eviction(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)

	keyA, keyB, keyC := Key{0xA}, Key{0xB}, Key{0xC}
	for _, k := range []Key{keyA, keyB, keyC, keyB} {
		require.NoError(t, r.Authenticate(ctx, 4, KeyTypeA, k))
	}

	loads := ft.commands(loadKeysPrefix...)
	require.Len(t, loads, 3)
	assert.Equal(t, byte(0), loads[0][3])
	assert.Equal(t, byte(1), loads[1][3])
	assert.Equal(t, byte(0), loads[2][3], "slot 0 evicted for the third key")

	auths := ft.commands(0xFF, 0x86)
	assert.Equal(t, byte(1), auths[3][len(auths[3])-1], "key B still in slot 1")
}

func TestAuthenticate_DisconnectClearsCache(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)

	require.NoError(t, r.Authenticate(ctx, 4, KeyTypeA, DefaultKey))
	require.NoError(t, r.Disconnect(ctx))
	_, err := r.Connect(ctx, ModeCard)
	require.NoError(t, err)
	require.NoError(t, r.Authenticate(ctx, 4, KeyTypeA, DefaultKey))

	assert.Len(t, ft.commands(loadKeysPrefix...), 2)
}

func TestAuthenticate_WithoutCard(t *testing.T) {
	ft := newFakeTransport("reader")
	r, _ := startSession(t, ft)

	err := r.Authenticate(context.Background(), 4, KeyTypeA, DefaultKey)
	assert.Equal(t, KindAuthenticate, KindOf(err))
	assert.Equal(t, CodeCardNotConnected, CodeOf(err))
}

// pinAll fills every key slot with a key that stays in use.
func pinAll(t *testing.T, c *keyCache) {
	t.Helper()
	for i := range iso7816.KeySlots {
		k := Key{byte(i + 1)}
		slot, gen := mustReserve(t, c, i)
		c.commit(slot, gen, &k)
		_, ok := c.acquire(k)
		require.True(t, ok)
	}
}

func TestKeyCache_ReserveGivesUp(t *testing.T) {
	c := newKeyCache()
	pinAll(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.reserve(ctx, -1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAuthenticate_BusySlotsHonorDeadline(t *testing.T) {
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)
	pinAll(t, r.keys)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := r.Authenticate(ctx, 4, KeyTypeA, DefaultKey)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CodeUnableToLoadKey, CodeOf(err))

	err = r.LoadAuthenticationKey(ctx, 0, DefaultKey)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, ft.commands(loadKeysPrefix...))
}

func TestAuthenticate_CloseWakesWaiters(t *testing.T) {
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)
	pinAll(t, r.keys)

	errs := make(chan error, 1)
	go func() { errs <- r.Authenticate(context.Background(), 4, KeyTypeA, DefaultKey) }()
	nothing(t, errs)

	require.NoError(t, r.Close())
	assert.ErrorIs(t, receive(t, errs), ErrClosed)
	assert.Empty(t, ft.commands(loadKeysPrefix...))
}

func TestAuthenticate_SharedLoadOutlivesCaller(t *testing.T) {
	ft := newFakeTransport("reader")
	r, _ := connectedSession(t, ft)

	loading := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	ft.setResponder(func(cmd []byte) ([]byte, error) {
		if bytes.HasPrefix(cmd, loadKeysPrefix) {
			once.Do(func() { close(loading) })
			<-gate
		}
		return swOK, nil
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- r.Authenticate(firstCtx, 4, KeyTypeA, DefaultKey) }()
	receive(t, loading)

	second := make(chan error, 1)
	go func() { second <- r.Authenticate(context.Background(), 5, KeyTypeA, DefaultKey) }()

	cancelFirst()
	assert.ErrorIs(t, receive(t, first), context.Canceled)

	close(gate)
	require.NoError(t, receive(t, second))
	assert.Len(t, ft.commands(loadKeysPrefix...), 1)
	assert.Equal(t, [][]byte{tlv.Hex("FF 86 00 00 05 01 00 05 60 00")}, ft.commands(0xFF, 0x86))
}
