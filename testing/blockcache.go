package testing

import (
	"crypto/rand"
	"fmt"
	"io"
	"testing"

	"github.com/kesari/fatfs/memblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// readOnlySeeker rejects writes so CreateDefaultDevice(writable=false) fails
// a test the moment something tries to bypass the filesystem's own
// read-only check rather than silently succeeding.
type readOnlySeeker struct {
	io.ReadWriteSeeker
}

func (readOnlySeeker) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("attempted to write %d bytes to read-only test device", len(p))
}

// CreateRandomImage creates an image with the given number of blocks and
// bytes per block. It is guaranteed to either return a valid slice or fail
// the test and abort.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// CreateDefaultDevice wraps backingData (or, if nil, a freshly generated
// random image) in a memblock.Device with the given geometry, for tests that
// need a blockdev.BDI rather than a bare byte slice.
//
// writable=false makes every write to the returned device fail, so a test
// exercising a read-only mount gets a hard failure instead of silent success
// if something tries to bypass the filesystem's own read-only check.
func CreateDefaultDevice(
	bytesPerBlock,
	totalBlocks uint,
	writable bool,
	backingData []byte,
	t *testing.T,
) *memblock.Device {
	if backingData == nil {
		backingData = CreateRandomImage(bytesPerBlock, totalBlocks, t)
	}

	var stream io.ReadWriteSeeker = bytesextra.NewReadWriteSeeker(backingData)
	if !writable {
		stream = readOnlySeeker{stream}
	}
	dev := memblock.New("test-device", stream, int(bytesPerBlock), uint64(totalBlocks), 1)

	assert.EqualValues(t, bytesPerBlock, dev.GetSectorSize(), "wrong bytes per block")
	assert.EqualValues(t, totalBlocks, dev.GetTotalSectors(), "wrong total blocks")
	return dev
}
