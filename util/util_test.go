package util

import (
	"testing"

	"github.com/smartystreets/assertions"
	"github.com/stretchr/testify/assert"
)

func TestUB2BigEndian(t *testing.T) {
	buf := make([]byte, 2)
	PutUB2BE(buf, 0x8123)
	assert.Empty(t, assertions.ShouldResemble(buf, []byte{0x81, 0x23}))
	assert.Equal(t, uint16(0x8123), ReadUB2BE(buf))
}

func TestPageChecksumIgnoresChecksumField(t *testing.T) {
	page := make([]byte, 64)
	for i := range page {
		page[i] = byte(i)
	}
	sum := PageChecksum(page, 8, 12)

	page[9] = 0xff
	assert.Empty(t, assertions.ShouldEqual(PageChecksum(page, 8, 12), sum))

	page[20] ^= 0x01
	assert.NotEqual(t, sum, PageChecksum(page, 8, 12))
}

func TestHashCodeStable(t *testing.T) {
	assert.Equal(t, HashCode([]byte("undo")), HashCode([]byte("undo")))
	assert.Equal(t, HashCode([]byte("ab")), Checksum64([]byte("a"), []byte("b")))
}

func TestCloneBytes(t *testing.T) {
	assert.Nil(t, CloneBytes(nil))
	src := []byte{1, 2, 3}
	dst := CloneBytes(src)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, dst)
}
