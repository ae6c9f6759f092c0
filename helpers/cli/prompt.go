// Package cli is the main loop of diagnostic shells.
package cli

import (
	"bufio"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

func Interactive() bool { return isatty.IsTerminal(os.Stdin.Fd()) }

// MainLoop feeds lines to exec: from prompt on terminal, otherwise stdin line by line.
// First SIGINT/SIGTERM calls interrupt (may be nil), second one exits.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest, interrupt func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		n := 0
		for range signalCh {
			n++
			if interrupt == nil || n > 1 {
				os.Exit(1)
			}
			interrupt()
		}
	}()

	if Interactive() {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		exec(strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		log.Fatal(err)
	}
}
