package patty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_aprsis_parses_tnc2_line(t *testing.T) {
	f, ok := parseTNC2Line("KB9VTY-7>APRS,WIDE1-1*,WIDE2-2:!4903.50N/07201.75W-Test")
	require.True(t, ok)

	assert.Equal(t, "KB9VTY-7", f.Src.String())
	assert.Equal(t, "APRS", f.Dest.String())
	require.Len(t, f.Repeaters, 2)
	assert.Equal(t, "WIDE1-1", f.Repeaters[0].String())
	assert.Equal(t, FrameUI, f.Type)
	assert.True(t, f.CR)
	assert.EqualValues(t, PIDNoLayer3, f.PID)
	assert.Equal(t, "!4903.50N/07201.75W-Test", string(f.Info))
}

func Test_aprsis_skips_comment_and_blank_lines(t *testing.T) {
	_, ok := parseTNC2Line("# aprsc 2.1.4-g408ed49")
	assert.False(t, ok)

	_, ok = parseTNC2Line("")
	assert.False(t, ok)
}

func Test_aprsis_rejects_header_without_colon(t *testing.T) {
	_, ok := parseTNC2Line("KB9VTY-7>APRS,WIDE1-1")
	assert.False(t, ok)
}

func Test_aprsis_header_round_trip(t *testing.T) {
	f, ok := parseTNC2Line("KB9VTY-7>APRS,WIDE1-1:hello")
	require.True(t, ok)
	assert.Equal(t, "KB9VTY-7>APRS,WIDE1-1", tnc2HeaderOf(f))
}

func Test_aprsis_body_may_contain_colons(t *testing.T) {
	f, ok := parseTNC2Line("KB9VTY-7>APRS::N0CALL   :message{1")
	require.True(t, ok)
	assert.Equal(t, ":N0CALL   :message{1", string(f.Info))
}
