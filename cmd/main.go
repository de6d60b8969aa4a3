package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/samber/do"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pediatric-assistant/handler"
	"pediatric-assistant/internal/config"
	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/entitystore"
	"pediatric-assistant/internal/httpapi"
	"pediatric-assistant/internal/logging"
	"pediatric-assistant/internal/retrieval"
	"pediatric-assistant/internal/taskqueue"
	"pediatric-assistant/internal/triage"
	"pediatric-assistant/internal/usecase"
)

// app carries what the root command prepared for its subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	di         *do.Injector
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "pediatric-assistant",
		Short:         "Pediatric triage assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context())
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if a.di == nil {
				return nil
			}
			return a.di.Shutdown()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		a.lambdaCommand(),
		a.serveCommand(),
		a.workerCommand(),
		a.triageCommand(),
		a.searchCommand(),
	)
	return root
}

func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		cfg.Log.Format = "json"
	}
	logger := logging.Init(cfg.Log, os.Stderr)
	a.cfg = cfg
	a.di = newInjector(ctx, cfg, logger)
	return nil
}

func (a *app) lambdaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve turns as an API Gateway Lambda function",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chat, err := do.Invoke[*usecase.ChatService](a.di)
			if err != nil {
				return err
			}
			h, err := handler.NewHandler(chat)
			if err != nil {
				return err
			}
			lambda.StartWithOptions(h.Handle, lambda.WithContext(cmd.Context()))
			return nil
		},
	}
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the task worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chat, err := do.Invoke[*usecase.ChatService](a.di)
			if err != nil {
				return err
			}
			history, err := do.Invoke[backend](a.di)
			if err != nil {
				return err
			}
			server, err := httpapi.New(chat,
				httpapi.WithHistory(history),
				httpapi.WithLogger(do.MustInvoke[*slog.Logger](a.di)),
			)
			if err != nil {
				return err
			}
			queue := do.MustInvoke[*taskqueue.Queue](a.di)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return server.Run(ctx, a.cfg.HTTP.Addr) })
			g.Go(func() error { return queue.Run(ctx) })
			if a.cfg.Triage.Watch && a.cfg.Triage.RulesPath != "" {
				engine := do.MustInvoke[*triage.Engine](a.di)
				g.Go(func() error { return engine.Watch(ctx, a.cfg.Triage.RulesPath) })
			}
			return g.Wait()
		},
	}
}

func (a *app) workerCommand() *cobra.Command {
	var once, asLambda bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process background tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, err := do.Invoke[*taskqueue.Queue](a.di)
			if err != nil {
				return err
			}
			switch {
			case asLambda:
				lambda.StartWithOptions(queue.RunOnce, lambda.WithContext(cmd.Context()))
				return nil
			case once:
				n, err := queue.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d task(s)\n", n)
				return nil
			default:
				return queue.Run(cmd.Context())
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch of due tasks and exit")
	cmd.Flags().BoolVar(&asLambda, "lambda", false, "process one batch per scheduled Lambda invocation")
	return cmd
}

type triageReport struct {
	Symptom  string                 `json:"symptom,omitempty"`
	Danger   *domain.DangerSignal   `json:"danger,omitempty"`
	Missing  []string               `json:"missing,omitempty"`
	Relaxed  string                 `json:"relaxed,omitempty"`
	Decision *domain.TriageSnapshot `json:"decision,omitempty"`
}

func (a *app) triageCommand() *cobra.Command {
	var facts map[string]string
	cmd := &cobra.Command{
		Use:     "triage",
		Short:   "Evaluate a set of facts against the triage rules",
		Example: "pediatric-assistant triage --facts symptom=fever,age_months=2,temperature=38.5",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := do.Invoke[*triage.Engine](a.di)
			if err != nil {
				return err
			}
			store, err := do.Invoke[*entitystore.Store](a.di)
			if err != nil {
				return err
			}
			res := engine.Evaluate(store.MergeEntities(domain.Entities{}, facts), time.Now().UTC())
			return printJSON(cmd, triageReport{
				Symptom:  res.Symptom,
				Danger:   res.Danger,
				Missing:  res.Missing,
				Relaxed:  res.Relaxed,
				Decision: res.Snapshot,
			})
		},
	}
	cmd.Flags().StringToStringVar(&facts, "facts", nil, "facts as key=value pairs")
	_ = cmd.MarkFlagRequired("facts")
	return cmd
}

type searchHit struct {
	Rank    int     `json:"rank"`
	EntryID string  `json:"entry_id"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
}

func (a *app) searchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := do.Invoke[*retrieval.Engine](a.di)
			if err != nil {
				return err
			}
			resp := engine.Search(cmd.Context(), args[0])
			hits := make([]searchHit, 0, len(resp.Results))
			for _, r := range resp.Results {
				hit := searchHit{Rank: r.Rank, EntryID: r.EntryID, Score: r.Score}
				if r.Entry != nil {
					hit.Title = r.Entry.Title
				}
				hits = append(hits, hit)
			}
			return printJSON(cmd, map[string]any{"mode": resp.Mode, "results": hits})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
