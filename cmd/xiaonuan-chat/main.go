package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/ent0n29/xiaonuan/internal/app"
	"github.com/ent0n29/xiaonuan/internal/companion"
	"github.com/ent0n29/xiaonuan/internal/config"
)

func main() {
	userID := flag.String("user", "default_user", "user id whose memory is loaded")
	flag.Parse()

	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	built, err := app.Build(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer built.Cleanup()

	if err := chat(ctx, built.Companion, *userID, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("chat: %v", err)
	}
}

// chat runs the read-reply loop until exit, quit, EOF or ctx is done.
func chat(ctx context.Context, svc *companion.Service, userID string, in io.Reader, out io.Writer) error {
	svc.Acquire(userID)
	defer svc.Release(userID)

	greeting, _, err := svc.Greeting(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, greeting)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(text) {
		case "":
			continue
		case "exit", "quit", "退出":
			return nil
		}

		reply, err := svc.Process(ctx, userID, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if reply.Emotion != "" {
			fmt.Fprintf(out, "[%s] %s\n", svc.Persona().Vocabulary.Word(reply.Emotion), reply.Text)
		} else {
			fmt.Fprintln(out, reply.Text)
		}
	}
}
