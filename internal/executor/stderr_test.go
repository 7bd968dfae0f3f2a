package executor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStderrTailKeepsLastLines(t *testing.T) {
	tail := NewStderrTail(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(tail, "line %d\n", i)
	}

	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, tail.Lines())
	assert.Equal(t, "line 3\nline 4\nline 5", tail.Tail())
}

func TestStderrTailStripsANSI(t *testing.T) {
	tail := NewStderrTail(10)
	tail.Write([]byte("\x1b[31merror:\x1b[0m something broke\n"))

	assert.Equal(t, "error: something broke", tail.Tail())
}

func TestStderrTailJoinsPartialWrites(t *testing.T) {
	tail := NewStderrTail(10)
	tail.Write([]byte("first ha"))
	tail.Write([]byte("lf\nsecond"))

	assert.Equal(t, []string{"first half"}, tail.Lines())
	assert.Equal(t, "first half\nsecond", tail.Tail(), "unterminated fragment is included")
}

func TestStderrTailSkipsBlankLines(t *testing.T) {
	tail := NewStderrTail(10)
	tail.Write([]byte("one\n\n\r\n  \ntwo\n"))

	assert.Equal(t, []string{"one", "two"}, tail.Lines())
}

func TestStderrTailDefaultCapacity(t *testing.T) {
	tail := NewStderrTail(0)
	for i := 0; i < DefaultStderrTailLines+10; i++ {
		fmt.Fprintf(tail, "line %d\n", i)
	}

	lines := tail.Lines()
	assert.Len(t, lines, DefaultStderrTailLines)
	assert.Equal(t, "line 10", lines[0])
}
