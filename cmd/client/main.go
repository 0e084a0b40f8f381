package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fastchat/client"
	"fastchat/config"
	"fastchat/crypto"
	"fastchat/logging"

	"go.uber.org/zap"
)

const userKeyBits = 2048

const usage = `commands:
  /dm <user> <text>        direct message
  /img <user> <file>       send an image
  /group <id> <text>       message every member of a group
  /gimg <id> <file>        send an image to a group
  /create <id,id,...>      create a group with you as admin
  /add <group> <user>      add a member (admin only)
  /remove <group> <user>   remove a member (admin only)
  /quit                    leave`

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	host := flag.String("balancer", "", "Balancer host (overrides client.balancer_address)")
	port := flag.Int("port", 0, "Balancer port (overrides client.balancer_address)")
	user := flag.Int("user", 0, "User id")
	password := flag.String("password", "", "Password")
	register := flag.Bool("register", false, "Create the account instead of logging in")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *user <= 0 {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	if err := overrideBalancer(&cfg.Client, *host, *port); err != nil {
		fmt.Fprintf(os.Stderr, "balancer address: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg.Client, *user, *password, *register, logger); err != nil {
		logger.Fatal("client failed", zap.Error(err))
	}
}

func overrideBalancer(cfg *config.ClientConfig, host string, port int) error {
	if host == "" && port == 0 {
		return nil
	}
	h, p, err := net.SplitHostPort(cfg.BalancerAddress)
	if err != nil {
		return err
	}
	if host != "" {
		h = host
	}
	if port > 0 {
		p = strconv.Itoa(port)
	}
	cfg.BalancerAddress = net.JoinHostPort(h, p)
	return nil
}

func run(cfg config.ClientConfig, user int, password string, register bool, logger *zap.Logger) error {
	key, err := crypto.LoadOrGenerate(filepath.Join(cfg.KeyDir, fmt.Sprintf("client%d", user)), userKeyBits)
	if err != nil {
		return fmt.Errorf("load user key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Connect(ctx, client.Config{
		BalancerAddress: cfg.BalancerAddress,
		Timeout:         cfg.Timeout,
		Key:             key,
		TranscriptDir:   cfg.TranscriptDir,
		OnMessage:       printMessage,
		Log:             logger,
	})
	if err != nil {
		return err
	}

	if register {
		err = c.Register(user, password)
	} else {
		err = c.Login(user, password)
	}
	if err != nil {
		return err
	}
	fmt.Println("connected to", c.Assignment().Address())
	fmt.Println(usage)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			c.Close()
			return <-done
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				c.Close()
				return <-done
			}
			if err := dispatch(ctx, c, line); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		}
	}
}

func dispatch(ctx context.Context, c *client.Client, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	if cmd == "" {
		return nil
	}
	arg, text, _ := strings.Cut(strings.TrimSpace(rest), " ")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cmd {
	case "/dm", "/img", "/group", "/gimg":
		id, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad id %q", arg)
		}
		switch cmd {
		case "/dm":
			return c.SendDirect(ctx, id, text)
		case "/group":
			return c.SendGroup(ctx, id, text)
		}
		data, err := os.ReadFile(strings.TrimSpace(text))
		if err != nil {
			return err
		}
		if cmd == "/img" {
			return c.SendImage(ctx, id, data)
		}
		return c.SendGroupImage(ctx, id, data)
	case "/create":
		var ids []int
		for _, f := range strings.Split(arg, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return fmt.Errorf("bad participant %q", f)
			}
			ids = append(ids, id)
		}
		return c.CreateGroup(ids)
	case "/add", "/remove":
		groupID, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad group %q", arg)
		}
		member, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return fmt.Errorf("bad member %q", text)
		}
		if cmd == "/add" {
			return c.AddMember(groupID, member)
		}
		return c.RemoveMember(groupID, member)
	default:
		return errors.New(usage)
	}
}

func printMessage(m client.Message) {
	switch {
	case m.Failed:
		fmt.Printf("[server] failed: %s\n", m.Text)
	case m.Notice && m.Group != 0:
		fmt.Printf("[group %d] %s\n", m.Group, m.Text)
	case m.Notice:
		fmt.Printf("[server] %s\n", m.Text)
	case m.Image:
		fmt.Printf("[%s] image from %d saved to %s\n", where(m), m.From, m.Path)
	default:
		fmt.Printf("[%s] %d: %s\n", where(m), m.From, m.Text)
	}
}

func where(m client.Message) string {
	if m.Group != 0 {
		return "group " + strconv.Itoa(m.Group)
	}
	return "dm"
}
