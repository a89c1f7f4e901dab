package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/approval"
	"github.com/drover-dev/drover/bgtask"
	"github.com/drover-dev/drover/config"
	"github.com/drover-dev/drover/llm"
	"github.com/drover-dev/drover/logging"
	"github.com/drover-dev/drover/shell"
	"github.com/drover-dev/drover/tools"
	"github.com/drover-dev/drover/undo"
)

var version = "dev"

type flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	WorkingDir string
}

func main() {
	ctx := context.Background()

	// Missing .env is fine; real environments often configure keys directly.
	_ = godotenv.Load()

	var logCloser func()
	f := &flags{}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	app := &cli.Command{
		Name:    "drover",
		Usage:   "Drive an LLM through a tool-calling loop against a local working directory",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal)",
				Sources:     cli.EnvVars("DROVER_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (defaults to stderr)",
				Sources:     cli.EnvVars("DROVER_LOG_FILE"),
				Destination: &f.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("DROVER_CONFIG"),
				Value:       filepath.Join(cwd, "drover.yaml"),
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "dir",
				Aliases:     []string{"d"},
				Usage:       "working directory for the session",
				Value:       cwd,
				Destination: &f.WorkingDir,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger, closer, err := logging.New(f.LogLevel, f.LogFile)
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			log.Logger = logger
			logCloser = closer
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if logCloser != nil {
				logCloser()
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(f),
			tasksCommand(f),
			opsCommand(f),
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCommand(f *flags) *cli.Command {
	var (
		planMode    bool
		autoApprove bool
		model       string
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "Run the agent against a task",
		ArgsUsage: "<task description>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "plan",
				Usage:       "read-only exploration mode",
				Destination: &planMode,
			},
			&cli.BoolFlag{
				Name:        "yes",
				Aliases:     []string{"y"},
				Usage:       "approve every command without prompting",
				Destination: &autoApprove,
			},
			&cli.StringFlag{
				Name:        "model",
				Usage:       "override the configured model",
				Destination: &model,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			task := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if task == "" {
				return fmt.Errorf("a task description is required")
			}

			cfg, err := config.Load(f.ConfigPath, f.WorkingDir)
			if err != nil {
				return err
			}
			if model != "" {
				cfg.LLM.Model = model
			}

			return runSession(ctx, cfg, task, planMode, autoApprove)
		},
	}
}

func runSession(ctx context.Context, cfg *config.Config, task string, planMode, autoApprove bool) error {
	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	journal, err := undo.NewJournal(cfg.UndoDir)
	if err != nil {
		return err
	}

	gate := approval.NewGate(cfg.Commands.PreApproved)
	if autoApprove {
		gate.SetPrompter(func(req approval.Request) {
			go gate.Resolve(approval.Decision{Approved: true})
		})
	} else {
		attachTerminalPrompter(gate)
	}

	supervisor := bgtask.NewSupervisor(cfg.WorkingDir, logging.Component("bgtask"))
	defer supervisor.KillAll()

	runner := shell.NewRunner(cfg.WorkingDir)
	runner.IdleTimeout = time.Duration(cfg.Commands.IdleTimeoutSeconds) * time.Second
	runner.MaxRuntime = time.Duration(cfg.Commands.MaxRuntimeSeconds) * time.Second

	modes := tools.NewModeManager()
	if planMode {
		modes.SetMode(tools.ModePlan)
	}

	inv := &tools.Invocation{
		Modes:            modes,
		Approvals:        gate,
		Journal:          journal,
		Tasks:            supervisor,
		Runner:           runner,
		WorkingDir:       cfg.WorkingDir,
		Log:              logging.Component("tools"),
		CommandsDisabled: cfg.Commands.Disabled,
		Notify: func(line string) {
			fmt.Println(line)
		},
	}

	dispatcher := tools.NewDispatcher(tools.NewBuiltinRegistry(), nil)
	tools.RegisterBatchTool(dispatcher)

	agentCfg := agent.Config{
		Model:             cfg.LLM.Model,
		Provider:          cfg.LLM.Provider,
		SystemPrompt:      buildSystemPrompt(cfg),
		MaxIterations:     cfg.Agent.MaxIterations,
		ParallelToolCalls: cfg.Agent.ParallelToolCalls,

		RequireExplicitCompletion: cfg.Agent.RequireExplicitCompletion,
	}

	spawner := agent.NewSpawner(client, agentCfg, inv, nil, cfg.Agent.MaxSubagentDepth, logging.Component("subagent"))
	if spawner.CanSpawn() {
		spawner.SetEventSink(printNestedEvent)
		agent.RegisterSubagentTools(dispatcher, spawner)
	}

	ctrl := agent.NewController(client, dispatcher, inv, agentCfg, logging.Component("agent"))
	defer ctrl.Close()

	// SIGINT requests a cooperative stop; the transcript survives.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		fmt.Fprintln(os.Stderr, "\ninterrupting...")
		ctrl.Interrupt()
	}()

	go printEvents(ctrl.Events())

	outcome, err := ctrl.Run(ctx, task)
	if err != nil {
		return err
	}

	fmt.Printf("\n[%s] %s\n", outcome.Status, outcome.Summary)
	if outcome.Interrupted {
		fmt.Println("(run was interrupted)")
	}
	return nil
}

// buildClient wires the configured provider. OpenAI-compatible endpoints use
// the HTTP adapter directly; anything else goes through gollm.
func buildClient(cfg *config.Config) (*llm.Client, error) {
	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("no API key found in $%s", cfg.LLM.APIKeyEnv)
	}

	var adapter llm.ProviderAdapter
	if cfg.LLM.Provider == "openai" {
		adapter = llm.NewOpenAIAdapter(cfg.LLM.Provider, apiKey, llm.WithBaseURL(cfg.LLM.BaseURL))
	} else {
		g, err := llm.NewGollmAdapter(cfg.LLM.Provider, apiKey, llm.WithModel(cfg.LLM.Model))
		if err != nil {
			return nil, err
		}
		adapter = g
	}

	return llm.NewClient(llm.WithProvider(cfg.LLM.Provider, adapter), llm.WithDefaultProvider(cfg.LLM.Provider)), nil
}

func buildSystemPrompt(cfg *config.Config) string {
	if cfg.Agent.SystemPrompt != "" {
		return cfg.Agent.SystemPrompt
	}
	return fmt.Sprintf(`You are a coding agent working in %s.

Use the available tools to read, modify, and test code. Prefer finishing
with the task_complete tool and an honest status. Commands may require the
user's approval; a declined command is a signal to try another approach.`,
		cfg.WorkingDir)
}

// attachTerminalPrompter renders approval requests on the terminal and
// resolves the gate from stdin.
func attachTerminalPrompter(gate *approval.Gate) {
	stdin := bufio.NewReader(os.Stdin)
	gate.SetPrompter(func(req approval.Request) {
		go func() {
			fmt.Printf("\nApprove command %q in %s? [y]es / [n]o / [a]lways: ", req.Command, req.WorkingDir)
			line, err := stdin.ReadString('\n')
			if err != nil {
				gate.Cancel()
				return
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				gate.Resolve(approval.Decision{Approved: true})
			case "a", "always":
				fmt.Println(approval.AutoDescription(req.Command, req.WorkingDir))
				gate.Resolve(approval.Decision{Approved: true, Remember: true})
			default:
				gate.Resolve(approval.Decision{Approved: false})
			}
		}()
	})
}

func printEvents(events <-chan agent.Event) {
	for ev := range events {
		switch ev.Kind {
		case agent.EventAssistantText:
			if text, _ := ev.Data["text"].(string); text != "" {
				fmt.Println(text)
			}
		case agent.EventToolCallStart:
			fmt.Printf("→ %v\n", ev.Data["tool_name"])
		case agent.EventNudgeInjected:
			fmt.Println("(nudging the model to recover)")
		}
	}
}

// printNestedEvent renders subagent activity indented under the parent's
// output, tagged with the handle ID and nesting depth.
func printNestedEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventToolCallStart:
		fmt.Printf("  [sub %v d%v] → %v\n", ev.Data["subagent"], ev.Data["depth"], ev.Data["tool_name"])
	case agent.EventAssistantText:
		if text, _ := ev.Data["text"].(string); text != "" {
			fmt.Printf("  [sub %v d%v] %s\n", ev.Data["subagent"], ev.Data["depth"], text)
		}
	}
}

// tasksCommand inspects the durable output files left by background tasks.
func tasksCommand(f *flags) *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "List background task output files from previous runs",
		Action: func(ctx context.Context, c *cli.Command) error {
			sup := bgtask.NewSupervisor(f.WorkingDir, logging.Component("bgtask"))
			entries, err := os.ReadDir(sup.OutputDir())
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No background tasks recorded.")
					return nil
				}
				return err
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
			for _, e := range entries {
				info, err := e.Info()
				if err != nil {
					continue
				}
				fmt.Printf("%s  %8d bytes  %s\n",
					strings.TrimSuffix(e.Name(), ".output"),
					info.Size(),
					info.ModTime().Format(time.RFC3339))
			}
			return nil
		},
	}
}

// opsCommand prints the undo journal's durable audit log.
func opsCommand(f *flags) *cli.Command {
	return &cli.Command{
		Name:  "ops",
		Usage: "Show the recorded operation audit log",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(f.ConfigPath, f.WorkingDir)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(cfg.UndoDir, "operations.jsonl"))
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No operations recorded.")
					return nil
				}
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
