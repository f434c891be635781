package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"flowwatch/internal/auth"
	"flowwatch/internal/config"
	"flowwatch/internal/devbackend"
	"flowwatch/internal/lifecycle"
	"flowwatch/internal/logging"
	"flowwatch/internal/protocol"
)

type Deps struct {
	LoadConfig func() (config.Config, error)
	NewLogger  func(config.Config) *slog.Logger
	Out        io.Writer
	In         io.Reader
	// Signals stop long-running commands; none means only ctx cancellation.
	Signals []os.Signal
}

func BuildApp(deps Deps) *cli.App {
	out := &lockedWriter{w: deps.Out}
	if deps.Out == nil {
		out.w = os.Stdout
	}
	in := deps.In
	if in == nil {
		in = os.Stdin
	}
	return &cli.App{
		Name:      "flowwatch",
		Usage:     "submit and track orchestration tasks",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api-url", Usage: "backend API base URL"},
			&cli.StringFlag{Name: "ws-url", Usage: "websocket endpoint"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "submit a task and follow it until it finishes",
				ArgsUsage: "<goal>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "task parameter key=value; JSON values are decoded"},
					&cli.BoolFlag{Name: "detach", Usage: "print the task id and exit"},
					&cli.StringFlag{Name: "decision", Usage: "answer approvals automatically: approved or rejected"},
				},
				Action: func(c *cli.Context) error {
					goal := strings.TrimSpace(c.Args().First())
					if goal == "" {
						return cli.Exit("goal is required", 2)
					}
					params, err := parseParams(c.StringSlice("param"))
					if err != nil {
						return cli.Exit(err.Error(), 2)
					}
					decide, err := deciderFor(c.String("decision"), in, out)
					if err != nil {
						return cli.Exit(err.Error(), 2)
					}
					return withSession(c, deps, func(ctx context.Context, s *session) error {
						return runSubmit(ctx, out, s, goal, params, c.Bool("detach"), decide)
					})
				},
			},
			{
				Name:      "watch",
				Usage:     "follow an existing task",
				ArgsUsage: "<task-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "decision", Usage: "answer approvals automatically: approved or rejected"},
				},
				Action: func(c *cli.Context) error {
					taskID := strings.TrimSpace(c.Args().First())
					if taskID == "" {
						return cli.Exit("task id is required", 2)
					}
					decide, err := deciderFor(c.String("decision"), in, out)
					if err != nil {
						return cli.Exit(err.Error(), 2)
					}
					return withSession(c, deps, func(ctx context.Context, s *session) error {
						return runWatch(ctx, out, s, taskID, decide)
					})
				},
			},
			{
				Name:      "approve",
				Usage:     "send a decision for a paused workflow run",
				ArgsUsage: "<workflow-run-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "reject", Usage: "reject instead of approve"},
				},
				Action: func(c *cli.Context) error {
					runID := strings.TrimSpace(c.Args().First())
					if runID == "" {
						return cli.Exit("workflow run id is required", 2)
					}
					decision := protocol.DecisionApproved
					if c.Bool("reject") {
						decision = protocol.DecisionRejected
					}
					return withSession(c, deps, func(ctx context.Context, s *session) error {
						be, err := s.openBackend()
						if err != nil {
							return err
						}
						if err := be.ResumeWorkflow(ctx, runID, decision); err != nil {
							return err
						}
						fmt.Fprintf(out, "sent %s for workflow run %s\n", decision, runID)
						return nil
					})
				},
			},
			{
				Name:  "token",
				Usage: "manage the stored bearer token",
				Subcommands: []*cli.Command{
					{
						Name:      "set",
						ArgsUsage: "<token>",
						Action: func(c *cli.Context) error {
							token := strings.TrimSpace(c.Args().First())
							if token == "" {
								return cli.Exit("token is required", 2)
							}
							return withSession(c, deps, func(_ context.Context, s *session) error {
								if err := s.credentials.Save(auth.DefaultCredential, token); err != nil {
									return err
								}
								fmt.Fprintf(out, "token saved\n")
								return nil
							})
						},
					},
					{
						Name: "show",
						Action: func(c *cli.Context) error {
							return withSession(c, deps, func(_ context.Context, s *session) error {
								return runTokenShow(out, s)
							})
						},
					},
					{
						Name: "clear",
						Action: func(c *cli.Context) error {
							return withSession(c, deps, func(_ context.Context, s *session) error {
								if err := s.credentials.Delete(auth.DefaultCredential); err != nil {
									return err
								}
								fmt.Fprintf(out, "token cleared\n")
								return nil
							})
						},
					},
				},
			},
			{
				Name:  "history",
				Usage: "list recently tracked tasks",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.StringFlag{Name: "task", Usage: "show the recorded updates of one task"},
					&cli.BoolFlag{Name: "clear", Usage: "delete all recorded history"},
				},
				Action: func(c *cli.Context) error {
					return withSession(c, deps, func(_ context.Context, s *session) error {
						return runHistory(out, s, c.Int("limit"), c.String("task"), c.Bool("clear"))
					})
				},
			},
			{
				Name:  "dev-backend",
				Usage: "serve a simulated orchestration backend",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "listen address"},
					&cli.StringFlag{Name: "token", Usage: "require this bearer token"},
					&cli.DurationFlag{Name: "step-delay", Value: time.Second},
					&cli.BoolFlag{Name: "untargeted-approvals", Usage: "omit task_id from approval requests"},
				},
				Action: func(c *cli.Context) error {
					cfg, logger := loadConfig(c, deps)
					addr := strings.TrimSpace(c.String("addr"))
					if addr == "" {
						addr = cfg.DevBackendAddr
					}
					return runDevBackend(c.Context, deps, out, logger, addr, devbackend.Options{
						Token:               strings.TrimSpace(c.String("token")),
						StepDelay:           c.Duration("step-delay"),
						UntargetedApprovals: c.Bool("untargeted-approvals"),
						Logger:              logger,
					})
				},
			},
		},
	}
}

func loadConfig(c *cli.Context, deps Deps) (config.Config, *slog.Logger) {
	load := deps.LoadConfig
	if load == nil {
		load = config.LoadConfig
	}
	cfg, cfgErr := load()
	if v := strings.TrimSpace(c.String("api-url")); v != "" {
		cfg.APIBaseURL = v
		if strings.TrimSpace(c.String("ws-url")) == "" {
			cfg.WSEndpoint = config.DeriveWSEndpoint(v)
		}
	}
	if v := strings.TrimSpace(c.String("ws-url")); v != "" {
		cfg.WSEndpoint = v
	}
	if v := strings.TrimSpace(c.String("log-level")); v != "" {
		cfg.LogLevel = v
	}
	var logger *slog.Logger
	if deps.NewLogger != nil {
		logger = deps.NewLogger(cfg)
	} else {
		logger = logging.NewLogger(logging.Options{Level: cfg.LogLevel, Component: "flowwatch"})
	}
	if cfgErr != nil {
		logger.Warn("config partially loaded", "err", cfgErr)
	}
	return cfg, logger
}

func withSession(c *cli.Context, deps Deps, fn func(context.Context, *session) error) error {
	cfg, logger := loadConfig(c, deps)
	s, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	mgr := lifecycle.NewManager(logger)
	mgr.AddRun("command", func(ctx context.Context) error {
		return fn(ctx, s)
	})
	mgr.AddShutdown("close-session", func(context.Context) error {
		return s.close()
	})
	return mgr.StartAndWait(c.Context, deps.Signals...)
}

func deciderFor(flag string, in io.Reader, out io.Writer) (decider, error) {
	switch d := protocol.Decision(strings.ToLower(strings.TrimSpace(flag))); {
	case d == "":
		return promptDecision(in, out), nil
	case d.Valid():
		return fixedDecision(d), nil
	default:
		return nil, fmt.Errorf("invalid decision %q: want approved or rejected", flag)
	}
}

func parseParams(pairs []string) (map[string]any, error) {
	params := map[string]any{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
			continue
		}
		params[key] = value
	}
	return params, nil
}

func runSubmit(ctx context.Context, out io.Writer, s *session, goal string, params map[string]any, detach bool, decide decider) error {
	client, err := s.openTracker()
	if err != nil {
		return err
	}
	if !detach {
		client.Connect(ctx)
	}
	t, err := client.Submit(ctx, goal, params)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "submitted task %s\n", t.ID())
	if detach {
		return nil
	}
	return follow(ctx, out, client, t, decide)
}

func runWatch(ctx context.Context, out io.Writer, s *session, taskID string, decide decider) error {
	client, err := s.openTracker()
	if err != nil {
		return err
	}
	client.Connect(ctx)
	t, err := client.Track(taskID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "watching task %s\n", taskID)
	return follow(ctx, out, client, t, decide)
}

func runTokenShow(out io.Writer, s *session) error {
	token, err := s.credentials.Load(auth.DefaultCredential)
	if errors.Is(err, auth.ErrNoCredential) {
		fmt.Fprintf(out, "no token stored\n")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "token: %s\n", maskToken(token))
	info := auth.Inspect(token, time.Now())
	if !info.IsJWT {
		return nil
	}
	if info.Subject != "" {
		fmt.Fprintf(out, "subject: %s\n", info.Subject)
	}
	if !info.ExpiresAt.IsZero() {
		state := "valid"
		if info.Expired {
			state = "expired"
		}
		fmt.Fprintf(out, "expires: %s (%s)\n", info.ExpiresAt.UTC().Format(time.RFC3339), state)
	}
	return nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

func runHistory(out io.Writer, s *session, limit int, taskID string, clear bool) error {
	if clear {
		if err := s.history.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(out, "history cleared\n")
		return nil
	}
	if taskID = strings.TrimSpace(taskID); taskID != "" {
		updates, err := s.history.Updates(taskID)
		if err != nil {
			return err
		}
		for _, u := range updates {
			fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", u.Seq, u.ReceivedAt.Format(time.RFC3339), u.Kind, compact(u.Payload))
		}
		return nil
	}
	entries, err := s.history.List(limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "no tasks recorded\n")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%s\t%s\t%d updates\t%s\n", e.TaskID, e.State, e.Goal, e.UpdateCount, e.LastModified.Format(time.RFC3339))
	}
	return nil
}

func runDevBackend(ctx context.Context, deps Deps, out io.Writer, logger *slog.Logger, addr string, opts devbackend.Options) error {
	srv := devbackend.NewServer(opts)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	fmt.Fprintf(out, "dev backend listening on http://%s/api\n", ln.Addr())

	signals := deps.Signals
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	mgr := lifecycle.NewManager(logger)
	mgr.AddRun("http", func(context.Context) error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	mgr.AddRun("stop-http", func(ctx context.Context) error {
		<-ctx.Done()
		return httpSrv.Close()
	})
	mgr.AddShutdown("stop-scripts", func(context.Context) error {
		srv.Close()
		return nil
	})
	return mgr.StartAndWait(ctx, signals...)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
