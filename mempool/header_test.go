package mempool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryHeaderLayout(t *testing.T) {
	block := make([]byte, 40)
	header := entryHeader(block)
	header.write(EntryTaken, 0x01020304, 40)

	require.Equal(t, []byte{
		0xfe, 0xca, 0xed, 0xfe,
		0x04, 0x03, 0x02, 0x01,
		40, 0, 0, 0,
	}, block[:HeaderSize])

	payload := header.payload(40)
	require.Len(t, payload, 40-HeaderSize)
	require.Same(t, &block[HeaderSize], &payload[0])

	located := headerOf(payload[:1])
	require.Equal(t, EntryTaken, located.status())
	require.Equal(t, uint32(0x01020304), located.owner())
	require.Equal(t, 40, located.blockSize())
	require.Len(t, located.block(40), 40)

	writeLink(payload, 17)
	require.Equal(t, uint64(17), readLink(payload))
}

func TestExtendedSize(t *testing.T) {
	require.Equal(t, linkSize+HeaderSize, extendedSize(1))
	require.Equal(t, linkSize+HeaderSize, extendedSize(linkSize))
	require.Equal(t, 100+HeaderSize, extendedSize(100))
}

func TestEntryStatusString(t *testing.T) {
	require.Equal(t, "EntryFree", EntryFree.String())
	require.Equal(t, "EntryTaken", EntryTaken.String())
	require.Equal(t, "EntryNotPoolMember", EntryNotPoolMember.String())
	require.Equal(t, "EntryStatus(0x5)", EntryStatus(5).String())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", CreateFlags(0).String())
	require.Equal(t, "CreateAllowOverflow", CreateAllowOverflow.String())
	require.Equal(t, "CreateExternallySynchronized|CreateAllowOverflow", (CreateExternallySynchronized | CreateAllowOverflow).String())
	require.Equal(t, "CreateAllowOverflow|CreateFlags(0x8)", (CreateAllowOverflow | 8).String())
}

func TestFallbackPolicyString(t *testing.T) {
	require.Equal(t, "FallbackDisabled", FallbackDisabled.String())
	require.Equal(t, "FallbackAtFirstExhaustion", FallbackAtFirstExhaustion.String())
	require.Equal(t, "FallbackAtLastExhaustion", FallbackAtLastExhaustion.String())
	require.Equal(t, "FallbackPolicy(3)", FallbackPolicy(3).String())
	require.False(t, FallbackPolicy(-1).valid())
}

func TestRegistryIssuesUniqueIDs(t *testing.T) {
	first := corruptionTestPool(t, 1, 16, 0)
	second := corruptionTestPool(t, 1, 16, 0)

	require.NotZero(t, first.ID())
	require.NotEqual(t, first.ID(), second.ID())
	require.Same(t, first, lookupPool(first.ID()))
	require.Same(t, second, lookupPool(second.ID()))
	require.Nil(t, lookupPool(0))

	require.NoError(t, first.Destroy())
	require.Nil(t, lookupPool(first.ID()))
	require.Same(t, second, lookupPool(second.ID()))
}

func TestRegistrySkipsIDsInUse(t *testing.T) {
	pool := corruptionTestPool(t, 1, 16, 0)

	registry.mutex.Lock()
	saved := registry.nextID
	registry.nextID = pool.ID() - 1
	registry.mutex.Unlock()

	other := corruptionTestPool(t, 1, 16, 0)
	require.NotEqual(t, pool.ID(), other.ID())
	require.Same(t, pool, lookupPool(pool.ID()))

	registry.mutex.Lock()
	if registry.nextID < saved {
		registry.nextID = saved
	}
	registry.mutex.Unlock()
}
