package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	CliHisFileEnv     = "EVCLI_HISTFILE"
	CliHisFileDefault = ".evcli_history"
)

type CliConnInfo struct {
	hostIp   string
	hostPort int
}

type CliConfig struct {
	connInfo    *CliConnInfo
	timeout     time.Duration // how long to wait for the echo
	interactive bool
	prompt      string
}

// Cli sends lines to an evserver and prints what comes back.
type Cli struct {
	config *CliConfig
	conn   net.Conn
	reader *bufio.Reader
	out    io.Writer
}

func NewCli(host string, port int, timeout time.Duration) *Cli {
	return &Cli{
		config: &CliConfig{
			connInfo: &CliConnInfo{hostIp: host, hostPort: port},
			timeout:  timeout,
		},
		out: os.Stdout,
	}
}

func (cli *Cli) addr() string {
	return net.JoinHostPort(cli.config.connInfo.hostIp, strconv.Itoa(cli.config.connInfo.hostPort))
}

// connect (re)dials the server. force drops an existing connection first.
func (cli *Cli) connect(force bool) error {
	if cli.conn != nil && !force {
		return nil
	}
	cli.disconnect()

	conn, err := net.DialTimeout("tcp", cli.addr(), cli.config.timeout)
	if err != nil {
		return err
	}
	cli.conn = conn
	cli.reader = bufio.NewReader(conn)
	cli.refreshPrompt()
	return nil
}

func (cli *Cli) disconnect() {
	if cli.conn != nil {
		_ = cli.conn.Close()
	}
	cli.conn = nil
	cli.reader = nil
	cli.refreshPrompt()
}

func (cli *Cli) refreshPrompt() {
	if cli.conn == nil {
		cli.config.prompt = "not connected> "
		return
	}
	cli.config.prompt = cli.addr() + "> "
}

// send writes line plus a newline and waits for the same amount of bytes
// to come back, up to the configured timeout. Any failure drops the
// connection, the next send dials again.
func (cli *Cli) send(line string) (string, error) {
	if err := cli.connect(false); err != nil {
		return "", err
	}

	msg := line + "\n"
	if _, err := io.WriteString(cli.conn, msg); err != nil {
		cli.disconnect()
		return "", err
	}

	if err := cli.conn.SetReadDeadline(time.Now().Add(cli.config.timeout)); err != nil {
		return "", err
	}
	reply, err := cli.reader.ReadString('\n')
	if err != nil {
		// a late echo would be read as the reply to the next line
		cli.disconnect()
		return strings.TrimSuffix(reply, "\n"), err
	}
	return strings.TrimSuffix(reply, "\n"), nil
}

// pipe sends every line of in, for non interactive use.
func (cli *Cli) pipe(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		reply, err := cli.send(scanner.Text())
		if err != nil {
			return err
		}
		fmt.Fprintln(cli.out, reply)
	}
	return scanner.Err()
}

func (cli *Cli) repl() {
	var (
		history     bool
		historyFile string
	)

	line := NewLineNoise()
	defer line.Close()

	cli.config.interactive = true
	if isatty.IsTerminal(os.Stdin.Fd()) {
		history = true
		historyFile = getDotfilePath(CliHisFileEnv, CliHisFileDefault)
		if historyFile != "" {
			_ = line.HistoryLoad(historyFile)
		}
	}

	if err := cli.connect(false); err != nil {
		fmt.Fprintf(cli.out, "Could not connect to %s: %v\n", cli.addr(), err)
	}

	for {
		input, err := line.Prompt(cli.config.prompt)
		if err != nil {
			break
		}

		argv := strings.Fields(input)
		if len(argv) == 0 {
			continue
		}
		if history {
			line.AppendHistory(input)
			if historyFile != "" {
				_ = line.HistorySave(historyFile)
			}
		}

		switch {
		case len(argv) == 1 && (strings.EqualFold(argv[0], "quit") || strings.EqualFold(argv[0], "exit")):
			cli.disconnect()
			return
		case len(argv) == 1 && strings.EqualFold(argv[0], "clear"):
			_ = line.ClearScreen()
		case len(argv) == 3 && strings.EqualFold(argv[0], "connect"):
			port, err := strconv.Atoi(argv[2])
			if err != nil {
				fmt.Fprintln(cli.out, "Invalid port number")
				continue
			}
			cli.config.connInfo.hostIp = argv[1]
			cli.config.connInfo.hostPort = port
			if err := cli.connect(true); err != nil {
				fmt.Fprintf(cli.out, "Could not connect to %s: %v\n", cli.addr(), err)
			}
		default:
			start := time.Now()
			reply, err := cli.send(input)
			if err != nil {
				fmt.Fprintf(cli.out, "(error) %v\n", err)
				continue
			}
			fmt.Fprintf(cli.out, "%s\n(%.2fs)\n", reply, time.Since(start).Seconds())
		}
	}
	cli.disconnect()
}

// Run starts the prompt on a terminal and pipes stdin otherwise.
func (cli *Cli) Run() error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		cli.repl()
		return nil
	}
	defer cli.disconnect()
	return cli.pipe(os.Stdin)
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", home, dotFilename)
}
