package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/chadiek/chemtutor/internal/agent"
	"github.com/chadiek/chemtutor/internal/stream"
)

var chatID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the tutor from the terminal (text only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return chatLoop(ctx, a.agent, chatID, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatID, "chat-id", "terminal", "conversation id")
}

func chatLoop(ctx context.Context, svc *agent.Service, id string, in io.Reader, out io.Writer) error {
	sink := stream.SinkFunc(func(e stream.Event) error { return printEvent(out, e) })
	sc := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := svc.Clear(ctx, id); err != nil {
				return err
			}
			fmt.Fprint(out, "(history cleared)\n> ")
			continue
		}
		if _, err := svc.Turn(ctx, agent.TurnRequest{ChatID: id, Message: line, NoAudio: true}, sink); err != nil {
			log.Debug("turn ended with error", "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(out, "\n> ")
	}
	return sc.Err()
}

func printEvent(out io.Writer, e stream.Event) error {
	var err error
	switch e.Type {
	case stream.TypeText:
		_, err = io.WriteString(out, e.Text)
	case stream.TypeDirective:
		if e.Directive == nil {
			return nil
		}
		for _, t := range e.Directive.Targets() {
			_, err = fmt.Fprintf(out, "\n[structure: %s %s]\n", t.Name, t.Identifier)
		}
	case stream.TypeError:
		_, err = fmt.Fprintf(out, "\n[Error: %s]\n", e.Message)
	case stream.TypeComplete:
		_, err = io.WriteString(out, "\n")
	}
	return err
}
