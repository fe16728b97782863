package patty

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_config_parses_full_file(t *testing.T) {
	text := `
# station configuration
sock /tmp/patty-test.sock
pid /tmp/patty-test.pid

if radio0 ax25 N0CALL-1 kiss /dev/ttyUSB0 baud 19200 flow crtscts
if igate0 ax25 N0CALL-2 aprs-is host rotate.aprs2.net port 14580 \
	user N0CALL pass 12345 filter "r/40.0/-105.0/100"

alias radio0 RELAY

route default if radio0
route station KB9VTY-7 if radio0 path WIDE1-1 WIDE2-2
`

	cfg, err := ParseConfig(strings.NewReader(text))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/patty-test.sock", cfg.SockPath)
	assert.Equal(t, "/tmp/patty-test.pid", cfg.PIDPath)

	require.Len(t, cfg.Interfaces, 2)

	radio := cfg.Interfaces[0]
	assert.Equal(t, "radio0", radio.Name)
	assert.Equal(t, "N0CALL-1", radio.Addr.String())
	require.NotNil(t, radio.KISS)
	assert.Equal(t, "/dev/ttyUSB0", radio.KISS.Device)
	assert.Equal(t, 19200, radio.KISS.Baud)
	assert.Equal(t, FlowCRTSCTS, radio.KISS.Flow)

	igate := cfg.Interfaces[1]
	require.NotNil(t, igate.APRS)
	assert.Equal(t, "N0CALL", igate.APRS.User)
	assert.Equal(t, "r/40.0/-105.0/100", igate.APRS.Filter)

	require.Len(t, cfg.Aliases, 1)
	assert.Equal(t, "radio0", cfg.Aliases[0].IfaceName)
	assert.Equal(t, "RELAY", cfg.Aliases[0].Addr.String())

	require.Len(t, cfg.Routes, 2)
	assert.True(t, cfg.Routes[0].Default)

	station := cfg.Routes[1]
	assert.Equal(t, "KB9VTY-7", station.Station.String())
	require.Len(t, station.Repeaters, 2)
	assert.Equal(t, "WIDE1-1", station.Repeaters[0].String())
}

func Test_config_default_sock_path(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultSockPath, cfg.SockPath)
}

func Test_config_station_route_five_tokens_requires_if(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("route station KB9VTY-7 via radio0\n"))
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.Line)
}

func Test_config_station_route_path_needs_repeaters(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("route station KB9VTY-7 if radio0 path\n"))
	assert.Error(t, err)
}

func Test_config_unknown_directive_reports_line(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("sock /tmp/x\nbogus directive\n"))
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2, cerr.Line)
}

func Test_config_tokenizer_quotes_and_comments(t *testing.T) {
	tokens := tokenize(stripComment(`pass "two words" 'single quoted' plain # trailing comment`))
	assert.Equal(t, []string{"pass", "two words", "single quoted", "plain"}, tokens)
}

func Test_config_tokenizer_backslash_escape_in_double_quotes(t *testing.T) {
	tokens := tokenize(`filter "a\"b"`)
	assert.Equal(t, []string{"filter", `a"b`}, tokens)
}
