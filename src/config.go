package patty

/*------------------------------------------------------------------
 *
 * Purpose:	Configuration file tokenizer and directive parsing:
 *		whitespace-delimited tokens, '#' comments, quoted
 *		strings with backslash escapes, and a backslash
 *		line-continuation.
 *
 * Description:	Recognized directives:
 *
 *		sock PATH
 *		pid PATH
 *		if NAME ax25 CALL[-SSID] kiss DEVICE [baud N]
 *			[flow crtscts|xonxoff]
 *		if NAME ax25 CALL[-SSID] aprs-is [host H] [port P]
 *			[user U] [pass W] [appname A] [version V] [filter F]
 *		alias NAME CALL[-SSID]
 *		route default if NAME
 *		route station CALL[-SSID] if NAME [path HOP1 HOP2 ...]
 *		metrics ADDR
 *		mdns
 *
 *---------------------------------------------------------------*/

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultSockPath is where the control socket lives when no "sock"
// directive overrides it.
const DefaultSockPath = "/var/run/patty/patty.sock"

// ConfigError carries the source line number of a rejected directive.
type ConfigError struct {
	Line int
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// IfaceSpec is one parsed "if" directive, either a KISS TNC or an APRS-IS
// feed, before the driver is actually opened.
type IfaceSpec struct {
	Name string
	Addr Addr
	KISS *TNCConfig
	APRS *APRSISConfig
}

// RouteSpec is one parsed "route" directive.
type RouteSpec struct {
	Default   bool
	Station   Addr
	IfaceName string
	Repeaters []Addr
}

// AliasSpec is one parsed "alias" directive.
type AliasSpec struct {
	IfaceName string
	Addr      Addr
}

// Config is the fully parsed content of a configuration file, before
// interfaces are opened or routes resolved against live Interface values.
type Config struct {
	SockPath   string
	PIDPath    string
	Interfaces []IfaceSpec
	Routes     []RouteSpec
	Aliases    []AliasSpec
	MetricsTo  string
	MDNS       bool
}

// ParseConfigFile reads and parses the directives in the named file.
func ParseConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	return ParseConfig(f)
}

// ParseConfig reads directives from r, honoring '#' comments and a
// backslash at end-of-line as a continuation onto the next physical line.
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := &Config{SockPath: DefaultSockPath}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNo := 0

	var pending string
	pendingStart := 0

	for scanner.Scan() {
		lineNo++

		line := scanner.Text()
		if pending != "" {
			line = pending + line
		} else {
			pendingStart = lineNo
		}

		if strings.HasSuffix(line, "\\") {
			pending = strings.TrimSuffix(line, "\\")

			continue
		}

		pending = ""

		if err := parseLine(cfg, line, pendingStart); err != nil {
			return nil, err
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return cfg, nil
}

func parseLine(cfg *Config, line string, lineNo int) error {
	text := stripComment(line)

	argv := tokenize(text)
	if len(argv) == 0 {
		return nil
	}

	switch strings.ToLower(argv[0]) {
	case "sock":
		if len(argv) != 2 {
			return &ConfigError{lineNo, "sock requires exactly one path"}
		}

		cfg.SockPath = argv[1]

	case "pid":
		if len(argv) != 2 {
			return &ConfigError{lineNo, "pid requires exactly one path"}
		}

		cfg.PIDPath = argv[1]

	case "if":
		spec, err := parseIface(argv, lineNo)
		if err != nil {
			return err
		}

		cfg.Interfaces = append(cfg.Interfaces, spec)

	case "route":
		spec, err := parseRoute(argv, lineNo)
		if err != nil {
			return err
		}

		cfg.Routes = append(cfg.Routes, spec)

	case "alias":
		if len(argv) != 3 {
			return &ConfigError{lineNo, "alias requires NAME and CALL[-SSID]"}
		}

		addr, err := ParseAddr(argv[2])
		if err != nil {
			return &ConfigError{lineNo, err.Error()}
		}

		cfg.Aliases = append(cfg.Aliases, AliasSpec{IfaceName: argv[1], Addr: addr})

	case "metrics":
		if len(argv) != 2 {
			return &ConfigError{lineNo, "metrics requires exactly one listen address"}
		}

		cfg.MetricsTo = argv[1]

	case "mdns":
		if len(argv) != 1 {
			return &ConfigError{lineNo, "mdns takes no arguments"}
		}

		cfg.MDNS = true

	default:
		return &ConfigError{lineNo, fmt.Sprintf("unrecognized directive %q", argv[0])}
	}

	return nil
}

func parseIface(argv []string, lineNo int) (IfaceSpec, error) {
	if len(argv) < 5 {
		return IfaceSpec{}, &ConfigError{lineNo, "if requires NAME ax25 CALL[-SSID] kiss|aprs-is ..."}
	}

	if strings.ToLower(argv[2]) != "ax25" {
		return IfaceSpec{}, &ConfigError{lineNo, "if: expected 'ax25' keyword"}
	}

	addr, err := ParseAddr(argv[3])
	if err != nil {
		return IfaceSpec{}, &ConfigError{lineNo, err.Error()}
	}

	spec := IfaceSpec{Name: argv[1], Addr: addr}

	switch strings.ToLower(argv[4]) {
	case "kiss":
		kiss, err := parseKISS(argv[5:], lineNo)
		if err != nil {
			return IfaceSpec{}, err
		}

		spec.KISS = kiss

	case "aprs-is":
		aprs, err := parseAPRSIS(argv[5:], lineNo)
		if err != nil {
			return IfaceSpec{}, err
		}

		spec.APRS = aprs

	default:
		return IfaceSpec{}, &ConfigError{lineNo, "if: expected 'kiss' or 'aprs-is'"}
	}

	return spec, nil
}

func parseKISS(rest []string, lineNo int) (*TNCConfig, error) {
	if len(rest) < 1 {
		return nil, &ConfigError{lineNo, "if ... kiss requires a DEVICE"}
	}

	cfg := &TNCConfig{Device: rest[0], Baud: 9600}

	for i := 1; i < len(rest); i++ {
		switch strings.ToLower(rest[i]) {
		case "baud":
			i++
			if i >= len(rest) {
				return nil, &ConfigError{lineNo, "kiss baud requires a value"}
			}

			n, err := strconv.Atoi(rest[i])
			if err != nil {
				return nil, &ConfigError{lineNo, "kiss baud: " + err.Error()}
			}

			cfg.Baud = n

		case "flow":
			i++
			if i >= len(rest) {
				return nil, &ConfigError{lineNo, "kiss flow requires crtscts|xonxoff"}
			}

			switch strings.ToLower(rest[i]) {
			case "crtscts":
				cfg.Flow = FlowCRTSCTS
			case "xonxoff":
				cfg.Flow = FlowXONXOFF
			default:
				return nil, &ConfigError{lineNo, "kiss flow: expected crtscts|xonxoff"}
			}

		default:
			return nil, &ConfigError{lineNo, fmt.Sprintf("kiss: unrecognized option %q", rest[i])}
		}
	}

	return cfg, nil
}

func parseAPRSIS(rest []string, lineNo int) (*APRSISConfig, error) {
	cfg := &APRSISConfig{Host: "rotate.aprs2.net", Port: 14580}

	for i := 0; i < len(rest); i++ {
		if i+1 >= len(rest) {
			return nil, &ConfigError{lineNo, fmt.Sprintf("aprs-is option %q requires a value", rest[i])}
		}

		val := rest[i+1]

		switch strings.ToLower(rest[i]) {
		case "host":
			cfg.Host = val
		case "port":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, &ConfigError{lineNo, "aprs-is port: " + err.Error()}
			}

			cfg.Port = n
		case "user":
			cfg.User = val
		case "pass":
			cfg.Pass = val
		case "appname":
			cfg.AppName = val
		case "version":
			cfg.Version = val
		case "filter":
			cfg.Filter = val
		default:
			return nil, &ConfigError{lineNo, fmt.Sprintf("aprs-is: unrecognized option %q", rest[i])}
		}

		i++
	}

	return cfg, nil
}

func parseRoute(argv []string, lineNo int) (RouteSpec, error) {
	if len(argv) < 2 {
		return RouteSpec{}, &ConfigError{lineNo, "route requires 'default' or 'station'"}
	}

	switch strings.ToLower(argv[1]) {
	case "default":
		if len(argv) != 4 || strings.ToLower(argv[2]) != "if" {
			return RouteSpec{}, &ConfigError{lineNo, "route default requires 'if NAME'"}
		}

		return RouteSpec{Default: true, IfaceName: argv[3]}, nil

	case "station":
		return parseStationRoute(argv, lineNo)

	default:
		return RouteSpec{}, &ConfigError{lineNo, "route: expected 'default' or 'station'"}
	}
}

// parseStationRoute resolves the "argc==5 means no path keyword" Open
// Question: exactly 5 tokens ("route station CALL if NAME") is valid only
// when the 4th token is literally "if"; anything else at that position
// with no "path" keyword is rejected rather than silently guessed at.
func parseStationRoute(argv []string, lineNo int) (RouteSpec, error) {
	if len(argv) < 5 || strings.ToLower(argv[3]) != "if" {
		return RouteSpec{}, &ConfigError{lineNo, "route station requires 'CALL if NAME [path HOP...]'"}
	}

	station, err := ParseAddr(argv[2])
	if err != nil {
		return RouteSpec{}, &ConfigError{lineNo, err.Error()}
	}

	spec := RouteSpec{Station: station, IfaceName: argv[4]}

	switch len(argv) {
	case 5:
		return spec, nil

	default:
		if strings.ToLower(argv[5]) != "path" {
			return RouteSpec{}, &ConfigError{lineNo, "route station: expected 'path' before repeater list"}
		}

		for _, tok := range argv[6:] {
			hop, err := ParseAddr(tok)
			if err != nil {
				return RouteSpec{}, &ConfigError{lineNo, err.Error()}
			}

			spec.Repeaters = append(spec.Repeaters, hop)
		}

		if len(spec.Repeaters) == 0 {
			return RouteSpec{}, &ConfigError{lineNo, "route station: 'path' given with no repeaters"}
		}

		return spec, nil
	}
}

// BuildServer opens every configured interface, wires the route table and
// interface aliases, and returns a Server ready to Run. On any interface or
// route error, already-opened interfaces are closed before returning.
func (c *Config) BuildServer() (*Server, error) {
	srv, err := NewServer(c.SockPath)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*Interface)

	for _, spec := range c.Interfaces {
		iface, err := buildInterface(spec)
		if err != nil {
			srv.Close()

			return nil, fmt.Errorf("interface %s: %w", spec.Name, err)
		}

		byName[spec.Name] = iface
		srv.AddInterface(iface)
	}

	for _, a := range c.Aliases {
		iface, ok := byName[a.IfaceName]
		if !ok {
			srv.Close()

			return nil, fmt.Errorf("alias %s: unknown interface %s", a.Addr, a.IfaceName)
		}

		if err := iface.AddrAdd(a.Addr); err != nil {
			srv.Close()

			return nil, err
		}
	}

	for _, r := range c.Routes {
		iface, ok := byName[r.IfaceName]
		if !ok {
			srv.Close()

			return nil, fmt.Errorf("route: unknown interface %s", r.IfaceName)
		}

		var route Route
		var err error

		if r.Default {
			route, err = NewDefaultRoute(iface, r.Repeaters...)
		} else {
			route, err = NewRoute(iface, r.Station, r.Repeaters...)
		}

		if err != nil {
			srv.Close()

			return nil, err
		}

		if err := srv.Routes.Add(route); err != nil {
			srv.Close()

			return nil, err
		}
	}

	return srv, nil
}

func buildInterface(spec IfaceSpec) (*Interface, error) {
	var driver Driver

	switch {
	case spec.KISS != nil:
		d, err := NewTNCDriver(*spec.KISS)
		if err != nil {
			return nil, err
		}

		driver = d

	case spec.APRS != nil:
		d, err := NewAPRSISDriver(*spec.APRS)
		if err != nil {
			return nil, err
		}

		driver = d

	default:
		return nil, fmt.Errorf("%w: interface %s has no driver configured", ErrNotSupp, spec.Name)
	}

	mtu := 256
	if spec.KISS != nil && spec.KISS.MaxLen > 0 {
		mtu = spec.KISS.MaxLen
	}

	return NewInterface(spec.Name, driver, spec.Addr, mtu, mtu), nil
}

func stripComment(line string) string {
	inQuotes := false

	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			if i == 0 || line[i-1] != '\\' {
				inQuotes = !inQuotes
			}
		case '#':
			if !inQuotes {
				return line[:i]
			}
		}
	}

	return line
}

// tokenize splits line into whitespace-delimited tokens, treating tabs as
// spaces and keeping spaces inside quoted strings. A backslash escapes the
// following character inside double quotes only; single-quoted text is
// taken verbatim.
func tokenize(line string) []string {
	line = strings.ReplaceAll(line, "\t", " ")

	var tokens []string

	var cur strings.Builder

	inDouble := false
	inSingle := false
	haveToken := false

	flush := func() {
		if haveToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			haveToken = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]

		switch {
		case c == '\\' && inDouble && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
			haveToken = true

		case c == '"' && !inSingle:
			inDouble = !inDouble
			haveToken = true

		case c == '\'' && !inDouble:
			inSingle = !inSingle
			haveToken = true

		case c == ' ' && !inDouble && !inSingle:
			flush()

		default:
			cur.WriteByte(c)
			haveToken = true
		}
	}

	flush()

	return tokens
}
