package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLossyUTF8PassesThroughValidText(t *testing.T) {
	assert.Equal(t, "hello world", lossyUTF8([]byte("hello world")))
}

func TestLossyUTF8DropsInvalidBytes(t *testing.T) {
	in := append([]byte("ok-"), 0xff, 0xfe)
	in = append(in, []byte("-end")...)
	assert.Equal(t, "ok--end", lossyUTF8(in))
}
