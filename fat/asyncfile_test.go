package fat

import (
	"testing"

	"github.com/kesari/fatfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollWithoutOpReturnsErrIdle(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Poll(), fatfs.ErrIdle)
}

func TestWriteAsyncRejectsWhileOpInFlight(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	f.op = &asyncOp{kind: asyncWrite, state: stateBegin}

	err = f.WriteAsync([]byte("x"), nil)
	assert.ErrorIs(t, err, fatfs.ErrFileHandleInUse)
}

func TestWriteAsyncRequiresWriteAccess(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := vol.Open(`\A.TXT`, fatfs.Read)
	require.NoError(t, err)
	err = r.WriteAsync([]byte("x"), nil)
	assert.ErrorIs(t, err, fatfs.ErrFileNotOpenedForWriteAccess)
}

func TestWriteAsyncCompletesAndInvokesOnDone(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)

	var doneErr error
	called := false
	err = f.WriteAsync([]byte("payload"), func(e error) {
		called = true
		doneErr = e
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, doneErr)
	assert.Nil(t, f.op)

	require.NoError(t, f.Close())
	entry, err := vol.Resolve(`\A.TXT`)
	require.NoError(t, err)
	assert.EqualValues(t, len("payload"), entry.Size)
}

func TestReadAsyncReturnsWrittenContent(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	_, err = f.Write([]byte("async read me"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := vol.Open(`\A.TXT`, fatfs.Read)
	require.NoError(t, err)
	got := make([]byte, len("async read me"))

	var doneErr error
	err = r.ReadAsync(got, func(e error) { doneErr = e })
	require.NoError(t, err)
	assert.NoError(t, doneErr)
	assert.Equal(t, "async read me", string(got))
}

func TestAllocPreallocatesClusterChainWithoutChangingSize(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)

	bytesPerCluster := int(vol.bpb.BytesPerSector) * int(vol.bpb.SectorsPerCluster)
	require.NoError(t, f.Alloc(bytesPerCluster*3))

	assert.EqualValues(t, 0, f.currentSize)
	require.NotZero(t, f.entry.FirstCluster)

	chainLen := 1
	cur := f.entry.FirstCluster
	for {
		next, more, err := vol.WalkChain(cur, 1)
		require.NoError(t, err)
		if !more {
			break
		}
		chainLen++
		cur = next
	}
	assert.Equal(t, 3, chainLen)
}

func TestAllocNoopForZeroBytes(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	require.NoError(t, f.Alloc(0))
	assert.Zero(t, f.entry.FirstCluster)
}

func TestStreamWriteRejectsUnallocatedFile(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	err = f.StreamWrite(make([]byte, vol.bpb.BytesPerSector))
	assert.ErrorIs(t, err, fatfs.ErrInvalidParameters)
}

func TestStreamWriteRejectsMisalignedLength(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)
	require.NoError(t, f.Alloc(int(vol.bpb.BytesPerSector)))
	err = f.StreamWrite(make([]byte, vol.bpb.BytesPerSector-1))
	assert.ErrorIs(t, err, fatfs.ErrMisalignedIO)
}

func TestStreamWriteSpansPreallocatedClusters(t *testing.T) {
	dev := newFormattedDevice(t, 2048, FormatOptions{Variant: fatfs.FAT12})
	vol, err := Mount(dev, fatfs.Options{})
	require.NoError(t, err)

	f, err := vol.Open(`\A.TXT`, fatfs.Create|fatfs.Write)
	require.NoError(t, err)

	sectorSize := int(vol.bpb.BytesPerSector)
	bytesPerCluster := sectorSize * int(vol.bpb.SectorsPerCluster)
	const clusters = 3
	require.NoError(t, f.Alloc(bytesPerCluster*clusters))

	payload := make([]byte, bytesPerCluster*clusters)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	require.NoError(t, f.StreamWrite(payload))
	assert.EqualValues(t, len(payload), f.cursor)
	assert.EqualValues(t, len(payload), f.currentSize)
	require.NoError(t, f.Close())

	r, err := vol.Open(`\A.TXT`, fatfs.Read)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	n, err := r.Read(got)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}
