package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/touchX/veonim"
	"github.com/touchX/veonim/config"
	"github.com/touchX/veonim/wire"
)

type session struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (s *session) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("nvim") {
		cfg.Neovim.Path = c.String("nvim")
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	wire.SetLogger(logger)

	s.cfg = cfg
	s.logger = logger
	return nil
}

func (s *session) manager() *veonim.Manager {
	m := veonim.New(s.cfg, veonim.WithLogger(s.logger))
	m.OnStartupError(func(id int, err error) {
		s.logger.Warn("neovim startup problem", zap.Int("id", id), zap.Error(err))
	})
	return m
}

func main() {
	s := &session{}

	app := &cli.App{
		Name:  "veonim",
		Usage: "drive several embedded neovim instances over one msgpack-rpc connection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the YAML config file.",
				EnvVars: []string{config.EnvConfig},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
			},
			&cli.StringFlag{
				Name:  "nvim",
				Usage: "The neovim executable, overriding the config.",
			},
		},
		Before: s.setup,
		After: func(*cli.Context) error {
			if s.logger != nil {
				s.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "eval",
				Usage:     "start an instance and evaluate an expression",
				ArgsUsage: "EXPR",
				Action: func(c *cli.Context) error {
					expr := strings.Join(c.Args().Slice(), " ")
					if expr == "" {
						return fmt.Errorf("eval needs an expression")
					}
					return s.withInstance(c.Context, func(m *veonim.Manager) error {
						v, err := m.Eval(c.Context, expr)
						if err != nil {
							return fmt.Errorf("evaluating %q: %w", expr, err)
						}
						fmt.Println(v)
						return nil
					})
				},
			},
			{
				Name:      "exec",
				Usage:     "start an instance, run an ex command and print its output",
				ArgsUsage: "CMD",
				Action: func(c *cli.Context) error {
					cmd := strings.Join(c.Args().Slice(), " ")
					if cmd == "" {
						return fmt.Errorf("exec needs a command")
					}
					return s.withInstance(c.Context, func(m *veonim.Manager) error {
						out, err := m.CommandOutput(c.Context, cmd)
						if err != nil {
							return fmt.Errorf("running %q: %w", cmd, err)
						}
						fmt.Println(strings.TrimLeft(out, "\n"))
						return nil
					})
				},
			},
			{
				Name:      "multi",
				Usage:     "start several instances, switch through them and evaluate an expression in each",
				ArgsUsage: "EXPR",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "count",
						Usage: "Number of instances to start.",
						Value: 2,
					},
				},
				Action: func(c *cli.Context) error {
					expr := strings.Join(c.Args().Slice(), " ")
					if expr == "" {
						expr = "getpid()"
					}
					count := c.Int("count")
					if count < 1 {
						return fmt.Errorf("count must be at least 1, got %d", count)
					}
					return s.multi(c.Context, count, expr)
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func (s *session) withInstance(ctx context.Context, fn func(m *veonim.Manager) error) error {
	m := s.manager()
	defer m.Close()

	if _, err := m.Create(ctx); err != nil {
		return err
	}
	return fn(m)
}

func (s *session) multi(ctx context.Context, count int, expr string) error {
	m := s.manager()
	defer m.Close()

	m.OnExit(func(id, code int) {
		s.logger.Info("instance exited", zap.Int("id", id), zap.Int("code", code))
	})

	var created []*veonim.NewInstance
	for i := 0; i < count; i++ {
		inst, err := m.Create(ctx)
		if err != nil {
			return err
		}
		created = append(created, inst)
	}

	for _, inst := range created {
		if !m.Switch(inst.ID) {
			return fmt.Errorf("instance %d is gone", inst.ID)
		}
		v, err := m.Eval(ctx, expr)
		if err != nil {
			return fmt.Errorf("instance %d: evaluating %q: %w", inst.ID, expr, err)
		}
		fmt.Printf("%d\t%s\t%s\n", inst.ID, inst.Address, v)
	}
	return nil
}
