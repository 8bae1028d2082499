package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fzft/go-evserver/config"
)

func main() {
	host := flag.String("h", "127.0.0.1", "server hostname")
	port := flag.Int("p", config.DefaultPort, "server port")
	timeout := flag.Duration("t", 10*time.Second, "how long to wait for each echo")
	flag.Parse()

	cli := NewCli(*host, *port, *timeout)
	if err := cli.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
